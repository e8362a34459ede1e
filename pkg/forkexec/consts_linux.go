// Package forkexec 提供进程创建和执行的功能
package forkexec

import (
	"golang.org/x/sys/unix"
)

// 定义 syscall 包中缺少的常量
const (
	// SECCOMP_SET_MODE_FILTER 是 seccomp 的过滤器模式
	SECCOMP_SET_MODE_FILTER = 1

	// SECCOMP_FILTER_FLAG_TSYNC 表示同步所有线程的 seccomp 过滤器
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// ADDR_NO_RANDOMIZE 关闭地址空间随机化（personality(2)）
	ADDR_NO_RANDOMIZE = 0x0040000

	// UnshareFlags 定义了沙箱使用的命名空间
	// CLONE_NEWUSER: 新的用户命名空间，使非特权用户可以创建其余命名空间
	// CLONE_NEWPID: 新的 PID 命名空间，追踪器成为 pid 1
	// CLONE_NEWNS: 新的挂载命名空间，用于重新挂载 /proc
	// CLONE_NEWUTS: 新的 UTS（主机名和域名）命名空间
	UnshareFlags = unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS
)

var (
	// none 与 slash 用于将根目录标记为私有挂载
	none  = []byte("none\000")
	slash = []byte("/\000")

	// setGIDAllow 和 setGIDDeny 用于配置用户命名空间的 GID 映射策略
	setGIDAllow = []byte("allow")
	setGIDDeny  = []byte("deny")

	// etxtbsyRetryInterval 定义了遇到 ETXTBSY 错误时的重试间隔（1 毫秒）
	etxtbsyRetryInterval = unix.Timespec{
		Nsec: 1 * 1000 * 1000,
	}
)
