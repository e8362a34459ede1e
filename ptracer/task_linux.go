package ptracer

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// State 是任务在状态机中的位置
type State int

// 任务状态
//
//	Created -> InitialStop -> Running -> {各种停止} -> Running -> Exited | Killed
const (
	StateCreated State = iota
	StateInitialStop
	StateRunning
	StateSyscallTrap
	StateKernelFilterTrap
	StateSignalDeliveryStop
	StateForkEvent
	StateCloneEvent
	StateVforkEvent
	StateVforkDoneEvent
	StateExecEvent
	StateExitEvent
	StateGroupStop
	StateExited
	StateKilled
)

var stateString = []string{
	"created",
	"initial-stop",
	"running",
	"syscall-trap",
	"kernel-filter-trap",
	"signal-delivery-stop",
	"fork-event",
	"clone-event",
	"vfork-event",
	"vfork-done-event",
	"exec-event",
	"exit-event",
	"group-stop",
	"exited",
	"killed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateString) {
		return stateString[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal 判断状态是否为终止状态
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled
}

// Task 是一个被追踪的线程（内核任务）
//
// 任务保存在调度器的 map 中，以 pid 为键；父任务通过 pid 查找。
type Task struct {
	Pid    int
	Parent int // 根任务为 0
	State  State

	// Code 是终止后的退出码，信号终止为 0x80|signo
	Code   int
	Signal unix.Signal

	// Execs 是该任务执行 exec 的次数
	Execs int

	proc    *process   // 当前映像的契约，未注入时为 nil
	pending unix.Signal // 注入期间收到的信号，恢复运行时投递
	inject  bool        // 在下一次系统调用退出停止时注入契约
	log     *logrus.Entry
}

func (t *Task) String() string {
	return fmt.Sprintf("task[%d %v]", t.Pid, t.State)
}

// ResultKind 是一次调度的结果类型
type ResultKind int

// 调度结果
const (
	// Exited 表示一个任务结束
	Exited ResultKind = iota + 1
	// Runnable 表示任务处理完一次停止后继续运行
	Runnable
	// Forked 表示一次 fork/clone/vfork 产生了新任务，父子任务都可运行
	Forked
)

func (k ResultKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Runnable:
		return "runnable"
	case Forked:
		return "forked"
	default:
		return "invalid"
	}
}

// RunResult 是一次调度的结果
type RunResult struct {
	Kind  ResultKind
	Task  *Task
	Child *Task // 仅 Forked
	Code  int   // 仅 Exited
}

func (r RunResult) String() string {
	switch r.Kind {
	case Exited:
		return fmt.Sprintf("Exited(%d, %d)", r.Task.Pid, r.Code)
	case Forked:
		return fmt.Sprintf("Forked(%d, %d)", r.Task.Pid, r.Child.Pid)
	case Runnable:
		return fmt.Sprintf("Runnable(%d)", r.Task.Pid)
	default:
		return "Invalid"
	}
}
