// Package unshare 在新的命名空间中启动沙箱的 pid 1
package unshare

import (
	"context"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/forkexec"
	"github.com/zqzqsb/systrace/runner"
)

// Runner 在用户、PID、挂载与 UTS 命名空间中运行一个进程
// 通常是以 boot 子命令重新执行的自身，它成为命名空间中的 pid 1 与追踪器
type Runner struct {
	// Args 中 Args[0] 必须是已解析的程序路径
	Args []string
	Env  []string

	// Files 定义了子进程的文件描述符映射
	Files []uintptr

	// WorkDir 设置子进程的工作目录
	WorkDir string

	// CloneFlags 为 0 时使用 forkexec.UnshareFlags
	CloneFlags uintptr

	Log *logrus.Entry

	// SyncFunc 在 execve 之前调用，传入子进程的 PID
	SyncFunc func(pid int) error
}

// Run 启动进程并等待它结束
//
// 子进程设置了 PDEATHSIG，启动器退出时整个命名空间随之结束。
// 正常退出时 ExitStatus 为子进程的退出码，信号终止时为 0x80|signo。
func (r *Runner) Run(c context.Context) (result runner.Result) {
	flags := r.CloneFlags
	if flags == 0 {
		flags = forkexec.UnshareFlags
	}
	ch := &forkexec.Runner{
		Args:       r.Args,
		Env:        r.Env,
		Files:      r.Files,
		WorkDir:    r.WorkDir,
		CloneFlags: flags,
		Pdeathsig:  syscall.SIGKILL,
		SyncFunc:   r.SyncFunc,
	}
	log := r.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	sTime := time.Now()
	pid, err := ch.Start()
	if err != nil {
		log.Errorf("failed to start sandbox: %v", err)
		result.Status = runner.StatusRunnerError
		result.Error = err.Error()
		return
	}
	fTime := time.Now()
	log.WithField("pid", pid).Debugf("sandbox started in %v", fTime.Sub(sTime))

	ctx, cancel := context.WithCancel(c)
	defer cancel()

	// pid 1 被杀死时命名空间中的其余进程一起结束
	go func() {
		<-ctx.Done()
		unix.Kill(pid, unix.SIGKILL)
	}()

	defer func() {
		result.SetUpTime = fTime.Sub(sTime)
		result.RunningTime = time.Since(fTime)
	}()

	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			unix.Kill(pid, unix.SIGKILL)
			result.Status = runner.StatusRunnerError
			result.Error = err.Error()
			return
		}
		switch {
		case ws.Exited():
			result.ExitStatus = ws.ExitStatus()
			result.Status = runner.StatusNormal
			if result.ExitStatus != 0 {
				result.Status = runner.StatusNonzeroExitStatus
			}
			return
		case ws.Signaled():
			result.Status = runner.StatusSignalled
			result.ExitStatus = 0x80 | int(ws.Signal())
			return
		}
	}
}
