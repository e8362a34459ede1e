// Package ptrace 组装被追踪进程的启动器与追踪器
package ptrace

import (
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/seccomp"
	"github.com/zqzqsb/systrace/ptracer"
)

// Runner 定义了在追踪下运行程序的配置
type Runner struct {
	// Args 定义子进程的命令行参数，Args[0] 必须是已解析的程序路径
	Args []string

	// Env 定义子进程的环境变量，格式 "KEY=VALUE"
	Env []string

	// WorkDir 定义子进程的工作目录，为空时继承
	WorkDir string

	// Files 定义了子进程的文件描述符映射
	Files []uintptr

	// Seccomp 是子进程在 exec 之前安装的过滤器
	// 带指令指针前缀时，标记地址上的调用绕过或总是进入追踪器
	Seccomp seccomp.Filter

	// Handler 定义了系统调用的处理器
	Handler Handler

	// Unsafe 把终止转换为软禁用（返回 -BanRet）
	Unsafe bool

	// Suppress 中的信号不会转发给被追踪进程
	Suppress []unix.Signal

	// ExitPolicy 选择报告的退出码
	ExitPolicy ptracer.ExitPolicy

	// TraceExit 记录放行的系统调用的返回值
	TraceExit bool

	// Contract 为空时不注入契约
	Contract *ptracer.Contract

	Log *logrus.Entry

	// SyncFunc 在 execve 之前调用，传入子进程的 PID
	SyncFunc func(pid int) error
}

// BanRet 定义了系统调用被禁止时的返回值
var BanRet = syscall.EACCES

// Handler 定义了文件访问和系统调用的处理接口
type Handler interface {
	// CheckRead 检查读取文件的权限
	CheckRead(string) ptracer.TraceAction

	// CheckWrite 检查写入文件的权限
	CheckWrite(string) ptracer.TraceAction

	// CheckStat 检查获取文件状态的权限
	CheckStat(string) ptracer.TraceAction

	// CheckSyscall 检查其他系统调用，参数是系统调用的名称
	CheckSyscall(string) ptracer.TraceAction
}
