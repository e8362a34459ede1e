package ptracer

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/remote"
)

// injectCode 是 syscall; int3，执行完系统调用后以 SIGTRAP 停止
var injectCode = []byte{0x0f, 0x05, 0xcc}

const (
	maxErrno = 4095

	// 内核内部的重启错误码，不会暴露给用户态，出现时重新执行
	errRestartSys         = 512
	errRestartNoIntr      = 513
	errRestartNoHand      = 514
	errRestartRestartBlck = 516

	injectRetries = 8
)

var errRestart = errors.New("remote syscall needs restart")

func isRestart(e unix.Errno) bool {
	switch e {
	case errRestartSys, errRestartNoIntr, errRestartNoHand, errRestartRestartBlck:
		return true
	}
	return false
}

/*
	remoteSyscall 在停止的任务中执行一次系统调用

实现细节：
 1. 保存寄存器与 rip 处的代码，写入 syscall; int3
 2. 设置系统调用号与参数后继续运行，直到 int3 产生的 SIGTRAP
 3. 期间 seccomp 停止直接放行，其他信号暂存到 task.pending
 4. 恢复代码与寄存器

任务必须处于系统调用退出停止，否则 rax 会被内核覆盖。
*/
func (s *Scheduler) remoteSyscall(t *Task, no uint64, args ...uint64) (ret uint64, err error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("remote syscall: too many arguments %d", len(args))
	}
	var saved unix.PtraceRegs
	if err := s.ops.GetRegs(t.Pid, &saved); err != nil {
		return 0, fmt.Errorf("getregs: %w", err)
	}
	g, err := s.space.Acquire(t.Pid, remote.Range{Start: uintptr(saved.Rip), Len: len(injectCode), Mode: remote.ModeWrite})
	if err != nil {
		return 0, err
	}
	defer g.Release()
	orig, err := g.Read()
	if err != nil {
		return 0, err
	}
	if err := g.Write(injectCode); err != nil {
		return 0, err
	}
	defer func() {
		if werr := g.Write(orig); werr != nil && err == nil {
			err = werr
		}
		if rerr := s.ops.SetRegs(t.Pid, &saved); rerr != nil && err == nil {
			err = fmt.Errorf("setregs: %w", rerr)
		}
	}()

	var a [6]uint64
	copy(a[:], args)
	op := func() error {
		regs := saved
		regs.Rax = no
		regs.Orig_rax = no
		regs.Rdi, regs.Rsi, regs.Rdx = a[0], a[1], a[2]
		regs.R10, regs.R8, regs.R9 = a[3], a[4], a[5]
		if err := s.ops.SetRegs(t.Pid, &regs); err != nil {
			return backoff.Permanent(fmt.Errorf("setregs: %w", err))
		}
		if err := s.ops.Cont(t.Pid, 0); err != nil {
			return backoff.Permanent(fmt.Errorf("cont: %w", err))
		}
		if err := s.waitTrap(t); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.ops.GetRegs(t.Pid, &regs); err != nil {
			return backoff.Permanent(fmt.Errorf("getregs: %w", err))
		}
		if r := int64(regs.Rax); r < 0 && r >= -maxErrno {
			e := unix.Errno(-r)
			if isRestart(e) {
				return errRestart
			}
			return backoff.Permanent(e)
		}
		ret = regs.Rax
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, injectRetries)); err != nil {
		return 0, fmt.Errorf("remote syscall %d: %w", no, err)
	}
	return ret, nil
}

// waitTrap 等待注入代码的 int3
func (s *Scheduler) waitTrap(t *Task) error {
	for {
		var ws unix.WaitStatus
		_, err := s.ops.Wait(t.Pid, &ws)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait4: %w", err)
		}
		switch {
		case ws.Exited(), ws.Signaled():
			// 交还给调度循环处理
			s.queue = append(s.queue, waitEvent{pid: t.Pid, ws: ws})
			return fmt.Errorf("task %d terminated during injection", t.Pid)
		case !ws.Stopped():
			continue
		case ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == 0:
			return nil
		case ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_SECCOMP:
		case ws.StopSignal() == unix.SIGTRAP|0x80, ws.StopSignal() == unix.SIGTRAP:
		default:
			t.pending = ws.StopSignal()
		}
		if err := s.ops.Cont(t.Pid, 0); err != nil {
			return fmt.Errorf("cont: %w", err)
		}
	}
}
