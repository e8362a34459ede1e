package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

/*
	processVMReadv / processVMWritev 封装 process_vm_readv / process_vm_writev

	ssize_t process_vm_readv(pid_t pid,
	                         const struct iovec *local_iov, unsigned long liovcnt,
	                         const struct iovec *remote_iov, unsigned long riovcnt,
	                         unsigned long flags);

不需要目标进程处于 ptrace-stop 状态，但受目标页面保护属性约束：
向只读页面（例如代码段）写入会返回 EFAULT，此时需要回退到 PTRACE_POKEDATA。
*/
func processVMReadv(pid int, localIov, remoteIov []unix.Iovec) (uintptr, syscall.Errno) {
	n, _, err := syscall.Syscall6(unix.SYS_PROCESS_VM_READV, uintptr(pid),
		uintptr(unsafe.Pointer(&localIov[0])), uintptr(len(localIov)),
		uintptr(unsafe.Pointer(&remoteIov[0])), uintptr(len(remoteIov)), 0)
	return n, err
}

func processVMWritev(pid int, localIov, remoteIov []unix.Iovec) (uintptr, syscall.Errno) {
	n, _, err := syscall.Syscall6(unix.SYS_PROCESS_VM_WRITEV, uintptr(pid),
		uintptr(unsafe.Pointer(&localIov[0])), uintptr(len(localIov)),
		uintptr(unsafe.Pointer(&remoteIov[0])), uintptr(len(remoteIov)), 0)
	return n, err
}

func getIovecs(base *byte, l int) []unix.Iovec {
	v := unix.Iovec{Base: base}
	v.SetLen(l)
	return []unix.Iovec{v}
}

// vmRead 按页分块读取，避免单次调用跨越未映射的页面边界
func vmRead(pid int, addr uintptr, buff []byte) (int, error) {
	total := 0
	next := pageSize - int(addr%uintptr(pageSize))
	for len(buff) > 0 {
		if len(buff) < next {
			next = len(buff)
		}
		local := getIovecs(&buff[0], next)
		remote := getIovecs((*byte)(unsafe.Pointer(addr+uintptr(total))), next)
		n, errno := processVMReadv(pid, local, remote)
		if errno != 0 {
			return total, errno
		}
		if n == 0 {
			break
		}
		total += int(n)
		buff = buff[n:]
		next = pageSize
	}
	return total, nil
}

func vmWrite(pid int, addr uintptr, data []byte) (int, error) {
	total := 0
	next := pageSize - int(addr%uintptr(pageSize))
	for len(data) > 0 {
		if len(data) < next {
			next = len(data)
		}
		local := getIovecs(&data[0], next)
		remote := getIovecs((*byte)(unsafe.Pointer(addr+uintptr(total))), next)
		n, errno := processVMWritev(pid, local, remote)
		if errno != 0 {
			return total, errno
		}
		if n == 0 {
			break
		}
		total += int(n)
		data = data[n:]
		next = pageSize
	}
	return total, nil
}

// ptraceRead 使用 PTRACE_PEEKDATA 读取，目标必须处于 ptrace-stop
func ptraceRead(pid int, addr uintptr, buff []byte) (int, error) {
	return unix.PtracePeekData(pid, addr, buff)
}

// ptraceWrite 使用 PTRACE_POKEDATA 写入，可以写入只读映射（FOLL_FORCE）
// 不足一个字的尾部先读出原值再合并写回
func ptraceWrite(pid int, addr uintptr, data []byte) (int, error) {
	const word = 8
	n := len(data) / word * word
	if n > 0 {
		if _, err := unix.PtracePokeData(pid, addr, data[:n]); err != nil {
			return 0, err
		}
	}
	if rest := len(data) - n; rest > 0 {
		var buf [word]byte
		if _, err := unix.PtracePeekData(pid, addr+uintptr(n), buf[:]); err != nil {
			return n, err
		}
		copy(buf[:], data[n:])
		if _, err := unix.PtracePokeData(pid, addr+uintptr(n), buf[:]); err != nil {
			return n, err
		}
	}
	return len(data), nil
}

// classify 将系统调用错误归入远程访问的错误类别
func classify(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.EFAULT, unix.EIO:
		return fmt.Errorf("%w: %v", ErrAddressInvalid, errno)
	case unix.EPERM, unix.EACCES, unix.ESRCH:
		return fmt.Errorf("%w: %v", ErrAccessDenied, errno)
	}
	return err
}

func hasNull(buff []byte) bool {
	for _, v := range buff {
		if v == 0 {
			return true
		}
	}
	return false
}

// Uint64 以小端序解析 8 字节
func Uint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// PutUint64 以小端序编码 8 字节
func PutUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
