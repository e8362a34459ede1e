// Package seccomp 定义了已汇编的 seccomp 过滤器
//
// 过滤器由 libseccomp 子包生成，在被追踪进程 execve 之前通过
// seccomp(SECCOMP_SET_MODE_FILTER) 安装。
package seccomp

import "syscall"

// Filter 是已汇编的 BPF 程序
type Filter []syscall.SockFilter

// SockFprog 返回安装过滤器时传给内核的结构，空过滤器返回 nil（不安装）
//
// 返回值引用 f 的底层数组，f 在安装完成前必须保持不变。
func (f Filter) SockFprog() *syscall.SockFprog {
	if len(f) == 0 {
		return nil
	}
	return &syscall.SockFprog{
		Len:    uint16(len(f)),
		Filter: &f[0],
	}
}
