package forkexec

import (
	"syscall"
)

// Runner 是一个配置结构体，包含了执行路径、参数以及进程属性
// 它可以创建用于 ptrace 跟踪的被跟踪进程
// 也可以在新的命名空间中创建进程（沙箱的 pid 1）
type Runner struct {
	// Args 和 Env 用于子进程的 execve 系统调用
	// Args[0] 必须是已解析的程序路径
	Args []string
	Env  []string

	// Files 定义了新进程的文件描述符映射
	// 索引从 0 开始，通常 0,1,2 分别对应 stdin, stdout, stderr
	Files []uintptr

	// WorkDir 设置子进程的工作目录
	WorkDir string

	// Seccomp 定义了系统调用过滤器
	Seccomp *syscall.SockFprog

	// CloneFlags 定义了创建 Linux 命名空间的标志
	CloneFlags uintptr

	// UIDMappings 和 GIDMappings 用于用户命名空间的 UID/GID 映射
	// 为空时将当前有效用户映射为命名空间内的 0
	UIDMappings []syscall.SysProcIDMap
	GIDMappings []syscall.SysProcIDMap

	// GIDMappingsEnableSetgroups 允许/禁止 setgroups 系统调用
	GIDMappingsEnableSetgroups bool

	// SyncFunc 在 execve 之前调用，传入子进程的 PID
	// 如果 SyncFunc 返回错误，父进程会杀死子进程并报告错误
	SyncFunc func(int) error

	// Ptrace 控制子进程调用 ptrace(PTRACE_TRACEME)
	// 跟踪器需要调用 runtime.LockOSThread 来使用 ptrace 系统调用
	// 与 Seccomp 同时使用时，子进程会在加载过滤器之前 SIGSTOP 自身，等待跟踪器设置选项
	Ptrace bool

	// NoNewPrivs 通过 prctl(PR_SET_NO_NEW_PRIVS) 禁用对 setuid 进程的调用
	// 当提供 seccomp 过滤器时自动启用
	NoNewPrivs bool

	// Personality 不为 0 时通过 personality(2) 设置执行域，例如 ADDR_NO_RANDOMIZE
	Personality uintptr

	// Pdeathsig 是父进程退出时子进程收到的信号
	Pdeathsig syscall.Signal

	// Setsid 创建新的会话；Setpgid 只创建新的进程组
	Setsid  bool
	Setpgid bool
}
