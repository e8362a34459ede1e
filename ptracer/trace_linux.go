package ptracer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/runner"
)

// Tracer 定义了一个基于 ptrace 的进程树追踪器
type Tracer struct {
	Handler
	Runner

	// Log 是追踪器使用的日志，为空时使用标准日志
	Log *logrus.Entry

	// ExitPolicy 决定报告哪一个任务的退出码
	ExitPolicy ExitPolicy

	// TraceExit 为真时，放行的系统调用在退出处再次停止并记录返回值
	TraceExit bool

	// Contract 为空时不注入契约，所有系统调用都经由慢速路径
	Contract *Contract
}

/*
	Trace 启动并追踪目标进程及其所有后代

实现细节：
 1. 锁定当前线程，ptrace 关系绑定在线程上
 2. 通过 Runner 启动目标进程，进程在加载 seccomp 之前以 SIGSTOP 停止
 3. 调度器循环，直到所有任务结束

注意事项：
  - 上下文取消时杀死整个进程树
  - Handler 返回 TraceKill 时杀死整个进程树，结果为 StatusDisallowedSyscall
*/
func (t *Tracer) Trace(c context.Context) (result runner.Result) {
	// ptrace 是基于线程的（内核进程）
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sTime := time.Now()
	pid, err := t.Runner.Start()
	if err != nil {
		result.Status = runner.StatusRunnerError
		result.Error = err.Error()
		return
	}
	s := newScheduler(t, pid, sysOps{})
	s.log.Debugf("tracee started in %v", time.Since(sTime))
	return s.run(c, sTime)
}

func (s *Scheduler) run(c context.Context, sTime time.Time) (result runner.Result) {
	cc, cancel := context.WithCancel(c)
	defer cancel()

	// 取消时杀死根进程组，EXITKILL 负责其余任务
	go func() {
		<-cc.Done()
		unix.Kill(-s.root, unix.SIGKILL)
	}()

	defer func() {
		if err := recover(); err != nil {
			s.log.Errorf("panic occurred: %v", err)
			result.Status = runner.StatusRunnerError
			result.Error = fmt.Sprintf("%v", err)
		}
		s.killAll()
		s.collectZombie()

		n := s.Counters()
		result.Syscalls, result.Captured = n.Total, n.Captured
		if len(s.procs) > 0 {
			s.log.Infof("%v", n)
		}
		s.close()
		if s.execved {
			result.SetUpTime = s.execTime.Sub(sTime)
			result.RunningTime = time.Since(s.execTime)
		}
	}()

	for !s.Done() {
		r, err := s.Step()
		if err != nil {
			return s.fail(err)
		}
		s.log.WithField("state", r.Task.State).Trace(r)
		if r.Kind == Exited && r.Task.Pid == s.root && !s.execved {
			result.Status = runner.StatusRunnerError
			result.Error = "child process exited before execve"
			result.ExitStatus = r.Code
			return
		}
	}

	code, signalled := s.ExitStatus()
	result.ExitStatus = code
	switch {
	case signalled:
		result.Status = runner.StatusSignalled
	case result.ExitStatus != 0:
		result.Status = runner.StatusNonzeroExitStatus
	default:
		result.Status = runner.StatusNormal
	}
	return
}

func (s *Scheduler) fail(err error) (result runner.Result) {
	s.killAll()
	result.Error = err.Error()
	var st runner.Status
	if errors.As(err, &st) {
		s.log.Warnf("kill process tree: %v", err)
		result.Status = st
		result.ExitStatus = 0x80 | int(unix.SIGKILL)
		return
	}
	s.log.Errorf("tracer failed: %v", err)
	result.Status = runner.StatusRunnerError
	return
}

// collectZombie 回收剩余的被追踪任务
func (s *Scheduler) collectZombie() {
	for len(s.tasks) > 0 {
		var ws unix.WaitStatus
		pid, err := s.ops.Wait(-1, &ws)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		if t := s.tasks[pid]; t != nil && (ws.Exited() || ws.Signaled()) {
			s.exit(t, ws)
		}
	}
}
