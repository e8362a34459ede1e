//go:build linux
// +build linux

// Package ptracer 实现了基于 ptrace 的任务状态机与调度器
//
// 追踪器在单个锁定的 OS 线程上运行，按内核投递的顺序处理每一个等待状态。
// 每次调度恰好产生 Exited、Runnable、Forked 三种结果之一。
package ptracer

import (
	"golang.org/x/sys/unix"
)

// TraceAction 定义了 Handler.Handle 返回的动作
type TraceAction int

const (
	// TraceAllow 让系统调用原样执行
	TraceAllow TraceAction = iota
	// TraceEmulate 跳过系统调用，返回值由 Context.SetReturnValue 指定
	TraceEmulate
	// TraceKill 表示检测到危险操作，终止整个进程树
	TraceKill
)

func (a TraceAction) String() string {
	switch a {
	case TraceAllow:
		return "allow"
	case TraceEmulate:
		return "emulate"
	case TraceKill:
		return "kill"
	default:
		return "invalid"
	}
}

// ExitPolicy 决定整个进程树结束时报告哪一个任务的退出码
type ExitPolicy int

const (
	// ExitRoot 使用最初被追踪的进程的退出码
	ExitRoot ExitPolicy = iota
	// ExitLast 使用最后一个结束的任务的退出码
	ExitLast
)

// Runner 表示被追踪进程的启动器
type Runner interface {
	// Start 启动子进程并返回 pid 和错误（如果失败）
	// 子进程应该启用 ptrace 并在加载 seccomp 之前停止
	Start() (int, error)
}

// Handler 是追踪器侧的策略
type Handler interface {
	// Handle 返回对一次被过滤器捕获的系统调用采取的动作
	Handle(*Context) TraceAction

	// HandleSignal 决定是否把信号转发给被追踪进程
	HandleSignal(pid int, sig unix.Signal) bool
}

// ExitCode 将一个终止的等待状态转换为退出码，信号终止为 0x80|signo
func ExitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 0x80 | int(ws.Signal())
	}
	return 0
}
