package ptrace

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/forkexec"
	"github.com/zqzqsb/systrace/ptracer"
	"github.com/zqzqsb/systrace/runner"
)

/*
	Run 启动被追踪进程并追踪到整个进程树结束

被追踪进程在 exec 之前：
 1. 设置 NO_NEW_PRIVS 与 personality(ADDR_NO_RANDOMIZE)
 2. 调用 PTRACE_TRACEME 并以 SIGSTOP 停止
 3. 安装 seccomp 过滤器
*/
func (r *Runner) Run(c context.Context) runner.Result {
	ch := &forkexec.Runner{
		Args:        r.Args,
		Env:         r.Env,
		Files:       r.Files,
		WorkDir:     r.WorkDir,
		Seccomp:     r.Seccomp.SockFprog(),
		Ptrace:      true,
		NoNewPrivs:  true,
		Personality: forkexec.ADDR_NO_RANDOMIZE,
		Setpgid:     true,
		SyncFunc:    r.SyncFunc,
	}

	log := r.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	th := &tracerHandler{
		Unsafe:   r.Unsafe,
		Handler:  r.Handler,
		Suppress: make(map[unix.Signal]bool),
		Log:      log,
	}
	for _, s := range r.Suppress {
		th.Suppress[s] = true
	}

	tracer := ptracer.Tracer{
		Handler:    th,
		Runner:     ch,
		Log:        log,
		ExitPolicy: r.ExitPolicy,
		TraceExit:  r.TraceExit,
		Contract:   r.Contract,
	}
	return tracer.Trace(c)
}
