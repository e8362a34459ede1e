package libseccomp

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

// 当前架构的系统调用表
var info, errInfo = arch.GetInfo("")

// ToSyscallName 返回系统调用号在当前架构上的名称
func ToSyscallName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// ToSyscallNo 是 ToSyscallName 的反向查找
func ToSyscallNo(name string) (uint, error) {
	if errInfo != nil {
		return 0, errInfo
	}
	no, ok := info.SyscallNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown syscall %q", name)
	}
	return uint(no), nil
}
