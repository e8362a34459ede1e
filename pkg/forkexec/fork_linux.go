package forkexec

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// 运行时在 fork 前后需要的钩子，与 syscall.forkExec 使用的相同

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

/*
	Start 创建子进程并返回其 pid

子进程按顺序：
 1. 进入 CloneFlags 指定的命名空间
 2. 完成进程属性设置后与父进程同步
 3. 启用 Ptrace 时 PTRACE_TRACEME 并以 SIGSTOP 停止
 4. 加载 seccomp 过滤器并 execve

启用 Ptrace 时调用者必须已经锁定当前 OS 线程。
*/
func (r *Runner) Start() (int, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}
	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}

	// p[0] 属于父进程，p[1] 属于子进程，子进程端在 execve 时关闭
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	pid, errno := forkAndExecInChild(r, argv0, argv, env, workdir, p)
	afterFork()
	syscall.ForkLock.Unlock()

	unix.Close(p[1])
	sp := syncPipe(p[0])
	if errno != 0 {
		sp.close()
		return 0, ChildError{Err: errno, Location: LocClone}
	}
	if err := r.handshake(int(pid), sp); err != nil {
		killChild(int(pid))
		return 0, err
	}
	return int(pid), nil
}

// handshake 是父进程一侧的同步过程，出错时由调用者杀死子进程
func (r *Runner) handshake(pid int, sp syncPipe) error {
	if r.CloneFlags&unix.CLONE_NEWUSER != 0 {
		// 子进程在映射写好之前阻塞在读取上
		var errno syscall.Errno
		if err := writeIDMaps(r, pid); err != nil {
			errno = toErrno(err)
		}
		sp.write(errno)
	}

	// 子进程完成设置后写入一个 errno，失败时写入 ChildError
	if err := sp.expectSync(); err != nil {
		sp.close()
		return err
	}
	if r.SyncFunc != nil {
		if err := r.SyncFunc(pid); err != nil {
			sp.close()
			return err
		}
	}
	sp.write(0)

	if r.Ptrace {
		// 子进程停在 SIGSTOP，等到 execve 关闭管道之前不能阻塞在这里
		go func() {
			sp.readErr()
			sp.close()
		}()
		return nil
	}
	// execve 成功时管道在读取端表现为 EOF
	n, childErr, err := sp.readErr()
	sp.close()
	if err != nil {
		return err
	}
	if n != 0 {
		return childErr.orPipe(n)
	}
	return nil
}

// syncPipe 是父进程持有的同步 socket
type syncPipe int

func (p syncPipe) write(errno syscall.Errno) {
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p), uintptr(unsafe.Pointer(&errno)), unsafe.Sizeof(errno))
}

func (p syncPipe) close() {
	unix.Close(int(p))
}

// readErr 读取一条消息：同步用的 errno 或者 ChildError
func (p syncPipe) readErr() (int, ChildError, error) {
	var childErr ChildError
	for {
		r0, _, e1 := syscall.Syscall(syscall.SYS_READ, uintptr(p), uintptr(unsafe.Pointer(&childErr)), unsafe.Sizeof(childErr))
		switch e1 {
		case 0:
			return int(r0), childErr, nil
		case syscall.EINTR:
			continue
		default:
			return 0, childErr, e1
		}
	}
}

func (p syncPipe) expectSync() error {
	n, childErr, err := p.readErr()
	if err != nil {
		return err
	}
	var errno syscall.Errno
	if n == int(unsafe.Sizeof(errno)) && childErr.Err == 0 {
		return nil
	}
	return childErr.orPipe(n)
}

// orPipe 在消息不完整时把错误报告为 EPIPE
func (e ChildError) orPipe(n int) error {
	if uintptr(n) < unsafe.Sizeof(e.Err) {
		e.Err = syscall.EPIPE
	}
	if e.Err == 0 {
		e.Err = syscall.EPIPE
	}
	return e
}

func toErrno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EINVAL
}

// killChild 杀死并回收失败的子进程
func killChild(pid int) {
	var ws syscall.WaitStatus
	syscall.Kill(pid, syscall.SIGKILL)
	for {
		if _, err := syscall.Wait4(pid, &ws, 0, nil); err != syscall.EINTR {
			return
		}
	}
}
