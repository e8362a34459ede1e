package ptracer

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ops 是调度器使用的全部 ptrace 与 wait 操作，测试中可以替换
type ops interface {
	Wait(pid int, ws *unix.WaitStatus) (int, error)
	Cont(pid, sig int) error
	Syscall(pid, sig int) error
	SetOptions(pid, options int) error
	GetEventMsg(pid int) (uint, error)
	// GetSiginfo 在组停止（group-stop）时返回 EINVAL
	GetSiginfo(pid int) (unix.Siginfo, error)
	GetRegs(pid int, regs *unix.PtraceRegs) error
	SetRegs(pid int, regs *unix.PtraceRegs) error
	Kill(pid int, sig unix.Signal) error
}

// ptraceOptions 在附加时设置，PTRACE_O_EXITKILL 保证追踪器退出时整个进程树被杀死
const ptraceOptions = unix.PTRACE_O_EXITKILL |
	unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEVFORKDONE | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESECCOMP | unix.PTRACE_O_TRACESYSGOOD

type sysOps struct{}

func (sysOps) Wait(pid int, ws *unix.WaitStatus) (int, error) {
	return unix.Wait4(pid, ws, unix.WALL, nil)
}

func (sysOps) Cont(pid, sig int) error {
	return unix.PtraceCont(pid, sig)
}

func (sysOps) Syscall(pid, sig int) error {
	return unix.PtraceSyscall(pid, sig)
}

func (sysOps) SetOptions(pid, options int) error {
	return unix.PtraceSetOptions(pid, options)
}

func (sysOps) GetEventMsg(pid int) (uint, error) {
	return unix.PtraceGetEventMsg(pid)
}

func (sysOps) GetSiginfo(pid int) (unix.Siginfo, error) {
	var info unix.Siginfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(pid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return info, errno
	}
	return info, nil
}

func (sysOps) GetRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(pid, regs)
}

func (sysOps) SetRegs(pid int, regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(pid, regs)
}

func (sysOps) Kill(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}
