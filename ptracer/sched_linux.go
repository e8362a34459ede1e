package ptracer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/remote"
	"github.com/zqzqsb/systrace/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/systrace/pkg/trampoline"
	"github.com/zqzqsb/systrace/runner"
)

// waitEvent 是一个已经从内核取出但尚未处理的等待状态
type waitEvent struct {
	pid int
	ws  unix.WaitStatus
}

// Scheduler 管理所有被追踪的任务，一次处理一个等待状态
//
// 只能在调用了 runtime.LockOSThread 的 goroutine 中使用。
type Scheduler struct {
	ops       ops
	space     *remote.Space
	handler   Handler
	contract  *Contract
	log       *logrus.Entry
	traceExit bool
	policy    ExitPolicy
	tracerPid int

	root    int
	tasks   map[int]*Task
	orphans map[int]unix.WaitStatus // fork 事件之前到达的子任务初始停止
	queue   []waitEvent             // 注入期间取出的其他状态
	procs   []*process

	execved  bool
	execTime time.Time
	rootExit *Task
	lastExit *Task
}

func newScheduler(t *Tracer, root int, o ops) *Scheduler {
	log := t.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		ops:       o,
		space:     remote.NewSpace(),
		handler:   t.Handler,
		contract:  t.Contract,
		log:       log,
		traceExit: t.TraceExit,
		policy:    t.ExitPolicy,
		tracerPid: os.Getpid(),
		root:      root,
		tasks:     make(map[int]*Task),
		orphans:   make(map[int]unix.WaitStatus),
	}
	s.newTask(root, 0)
	return s
}

func (s *Scheduler) newTask(pid, parent int) *Task {
	t := &Task{
		Pid:    pid,
		Parent: parent,
		State:  StateCreated,
		log:    s.log.WithField("pid", pid),
	}
	s.tasks[pid] = t
	return t
}

// Task 返回 pid 对应的存活任务
func (s *Scheduler) Task(pid int) *Task {
	return s.tasks[pid]
}

// Len 返回存活任务数
func (s *Scheduler) Len() int {
	return len(s.tasks)
}

// Done 判断所有任务是否都已结束
func (s *Scheduler) Done() bool {
	return len(s.tasks) == 0
}

// ExitStatus 按退出策略返回整个进程树的退出码，以及该任务是否被信号终止
func (s *Scheduler) ExitStatus() (int, bool) {
	t := s.rootExit
	if s.policy == ExitLast {
		t = s.lastExit
	}
	if t == nil {
		return 0, false
	}
	return t.Code, t.State == StateKilled
}

// Counters 汇总所有注入过的状态页上的计数
func (s *Scheduler) Counters() trampoline.Counters {
	var c trampoline.Counters
	for _, p := range s.procs {
		n := p.state.Snapshot()
		c.Total += n.Total
		c.Captured += n.Captured
	}
	return c
}

// Step 等待并处理等待状态，直到产生一个调度结果
func (s *Scheduler) Step() (RunResult, error) {
	for {
		var (
			pid int
			ws  unix.WaitStatus
			err error
		)
		if len(s.queue) > 0 {
			pid, ws = s.queue[0].pid, s.queue[0].ws
			s.queue = s.queue[1:]
		} else {
			pid, err = s.ops.Wait(-1, &ws)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return RunResult{}, fmt.Errorf("wait4: %w", err)
			}
		}
		r, err := s.handle(pid, ws)
		if err != nil || r.Kind != 0 {
			return r, err
		}
	}
}

/*
	handle 处理一个等待状态

返回值：
  - RunResult: Kind 为 0 表示没有产生调度结果，需要继续等待
  - error: 致命错误，调用者应当杀死整个进程树
*/
func (s *Scheduler) handle(pid int, ws unix.WaitStatus) (RunResult, error) {
	t := s.tasks[pid]
	if t == nil {
		if ws.Stopped() {
			// 子任务的初始 SIGSTOP 先于父任务的 fork 事件到达，保留到事件出现
			s.orphans[pid] = ws
			s.log.WithField("pid", pid).Trace("stop before fork event")
		}
		return RunResult{}, nil
	}
	switch {
	case ws.Exited(), ws.Signaled():
		return s.exit(t, ws), nil
	case ws.Stopped():
		return s.stop(t, ws)
	}
	return RunResult{}, nil
}

func (s *Scheduler) stop(t *Task, ws unix.WaitStatus) (RunResult, error) {
	sig := ws.StopSignal()
	switch {
	case t.State == StateCreated:
		return s.initialStop(t, sig)
	case sig == unix.SIGTRAP|0x80:
		return s.syscallTrap(t)
	case sig == unix.SIGTRAP && ws.TrapCause() > 0:
		return s.event(t, ws.TrapCause())
	default:
		return s.signal(t, sig)
	}
}

// initialStop 处理任务的第一次停止：根任务设置 ptrace 选项，子任务继承选项
// 初始的 SIGSTOP 不会投递给任务
func (s *Scheduler) initialStop(t *Task, sig unix.Signal) (RunResult, error) {
	t.State = StateInitialStop
	if sig != unix.SIGSTOP {
		t.log.Warnf("unexpected initial stop signal %v", sig)
	}
	if t.Pid == s.root {
		if err := s.ops.SetOptions(t.Pid, ptraceOptions); err != nil {
			return RunResult{}, fmt.Errorf("failed to set ptrace options: %w", err)
		}
		t.log.Debug("start tracing")
	}
	return s.resume(t, 0, false)
}

func (s *Scheduler) event(t *Task, ev int) (RunResult, error) {
	switch ev {
	case unix.PTRACE_EVENT_SECCOMP:
		return s.filterTrap(t)
	case unix.PTRACE_EVENT_EXEC:
		return s.exec(t)
	case unix.PTRACE_EVENT_FORK:
		return s.fork(t, StateForkEvent)
	case unix.PTRACE_EVENT_VFORK:
		return s.fork(t, StateVforkEvent)
	case unix.PTRACE_EVENT_CLONE:
		return s.fork(t, StateCloneEvent)
	case unix.PTRACE_EVENT_VFORK_DONE:
		t.State = StateVforkDoneEvent
		return s.resume(t, 0, false)
	case unix.PTRACE_EVENT_EXIT:
		t.State = StateExitEvent
		if msg, err := s.ops.GetEventMsg(t.Pid); err == nil {
			t.log.Debugf("exiting with wait status %#x", msg)
		}
		return s.resume(t, 0, false)
	default:
		t.log.Debugf("unknown ptrace event %d", ev)
		return s.resume(t, 0, false)
	}
}

/*
	filterTrap 处理 seccomp 过滤器交给追踪器的系统调用

实现细节：
 1. 读取寄存器构造上下文，计入捕获数
 2. 调用策略
 3. TraceEmulate：跳过系统调用，返回值已写入 rax
 4. TraceKill：返回 StatusDisallowedSyscall，由调用者杀死进程树
 5. TraceAllow：原样执行，开启 trace_exit 时在退出处再次停止
*/
func (s *Scheduler) filterTrap(t *Task) (RunResult, error) {
	t.State = StateKernelFilterTrap
	ctx, err := s.getTrapContext(t.Pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return RunResult{Kind: Runnable, Task: t}, nil
		}
		return RunResult{}, fmt.Errorf("getregs %d: %w", t.Pid, err)
	}
	if t.proc != nil {
		t.proc.state.NoteSyscall(trampoline.Captured)
		s.resolveHooks(t)
	}

	act := TraceAllow
	if s.handler != nil {
		act = s.handler.Handle(ctx)
	}
	if t.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		t.log.WithFields(logrus.Fields{
			"syscall": syscallName(ctx.SyscallNo()),
			"ip":      fmt.Sprintf("%#x", ctx.IP()),
		}).Tracef("captured: %v", act)
	}

	switch act {
	case TraceEmulate:
		if err := ctx.skipSyscall(); err != nil && !errors.Is(err, unix.ESRCH) {
			return RunResult{}, fmt.Errorf("setregs %d: %w", t.Pid, err)
		}
		return s.resume(t, 0, false)
	case TraceKill:
		return RunResult{}, fmt.Errorf("%w: %s", runner.StatusDisallowedSyscall, syscallName(ctx.SyscallNo()))
	default:
		return s.resume(t, 0, s.traceExit)
	}
}

// syscallTrap 处理系统调用退出停止
// exec 之后的第一次退出停止用于注入契约，其余只记录返回值
func (s *Scheduler) syscallTrap(t *Task) (RunResult, error) {
	t.State = StateSyscallTrap
	if t.inject {
		t.inject = false
		p, err := s.inject(t)
		if err != nil {
			t.log.Warnf("contract injection failed, fast path disabled: %v", err)
		} else {
			t.proc = p
			s.procs = append(s.procs, p)
			t.log.Debug("contract injected")
		}
		return s.resume(t, 0, false)
	}
	ctx, err := s.getTrapContext(t.Pid)
	if err == nil {
		t.log.WithField("syscall", syscallName(ctx.SyscallNo())).Debugf("returned %d", ctx.ReturnValue())
	}
	return s.resume(t, 0, false)
}

// exec 处理 exec 事件：旧映像的契约失效，等待 execve 返回后重新注入
func (s *Scheduler) exec(t *Task) (RunResult, error) {
	t.State = StateExecEvent
	if old, err := s.ops.GetEventMsg(t.Pid); err == nil && int(old) != t.Pid {
		// 非主线程执行 exec，旧线程 id 不会再报告退出
		if _, ok := s.tasks[int(old)]; ok {
			delete(s.tasks, int(old))
			s.space.Forget(int(old))
		}
	}
	t.Execs++
	t.proc = nil
	if !s.execved {
		s.execved = true
		s.execTime = time.Now()
	}
	t.log.Debugf("exec #%d", t.Execs)
	if s.contract != nil {
		// execve 返回时 rax 会被覆盖，注入要在系统调用退出停止时进行
		t.inject = true
		return s.resume(t, 0, true)
	}
	return s.resume(t, 0, false)
}

// fork 处理 fork/vfork/clone 事件，父子任务都在返回前成为可运行
func (s *Scheduler) fork(t *Task, st State) (RunResult, error) {
	t.State = st
	msg, err := s.ops.GetEventMsg(t.Pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return RunResult{Kind: Runnable, Task: t}, nil
		}
		return RunResult{}, fmt.Errorf("geteventmsg %d: %w", t.Pid, err)
	}
	child := s.newTask(int(msg), t.Pid)
	child.proc = t.proc
	t.log.Debugf("%v: new task %d", st, child.Pid)

	if ws, ok := s.orphans[child.Pid]; ok {
		delete(s.orphans, child.Pid)
		if _, err := s.initialStop(child, ws.StopSignal()); err != nil {
			return RunResult{}, err
		}
	}
	if _, err := s.resume(t, 0, false); err != nil {
		return RunResult{}, err
	}
	return RunResult{Kind: Forked, Task: t, Child: child}, nil
}

// signal 处理信号投递停止与组停止
func (s *Scheduler) signal(t *Task, sig unix.Signal) (RunResult, error) {
	if _, err := s.ops.GetSiginfo(t.Pid); errors.Is(err, unix.EINVAL) {
		t.State = StateGroupStop
		return s.resume(t, 0, false)
	}
	t.State = StateSignalDeliveryStop
	if s.handler != nil && !s.handler.HandleSignal(t.Pid, sig) {
		t.log.Debugf("suppress signal %v", sig)
		sig = 0
	}
	return s.resume(t, sig, false)
}

func (s *Scheduler) exit(t *Task, ws unix.WaitStatus) RunResult {
	t.Code = ExitCode(ws)
	if ws.Signaled() {
		t.State = StateKilled
		t.Signal = ws.Signal()
	} else {
		t.State = StateExited
	}
	delete(s.tasks, t.Pid)
	s.space.Forget(t.Pid)
	s.lastExit = t
	if t.Pid == s.root && t.Parent == 0 {
		s.rootExit = t
	}
	t.log.Debugf("%v with code %d", t.State, t.Code)
	return RunResult{Kind: Exited, Task: t, Code: t.Code}
}

// resume 让任务继续运行，注入期间收到的信号在此投递
func (s *Scheduler) resume(t *Task, sig unix.Signal, syscall bool) (RunResult, error) {
	if sig == 0 && t.pending != 0 {
		sig, t.pending = t.pending, 0
	}
	var err error
	if syscall {
		err = s.ops.Syscall(t.Pid, int(sig))
	} else {
		err = s.ops.Cont(t.Pid, int(sig))
	}
	// ESRCH 表示任务已被杀死，退出状态会由 wait 报告
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return RunResult{}, fmt.Errorf("failed to continue process %d: %w", t.Pid, err)
	}
	t.State = StateRunning
	return RunResult{Kind: Runnable, Task: t}, nil
}

// killAll 杀死所有存活的任务
func (s *Scheduler) killAll() {
	for pid := range s.tasks {
		s.ops.Kill(pid, unix.SIGKILL)
	}
	for pid := range s.orphans {
		s.ops.Kill(pid, unix.SIGKILL)
	}
}

// close 释放所有状态页
func (s *Scheduler) close() {
	for _, p := range s.procs {
		p.close()
	}
}

func syscallName(no uint) string {
	if n, err := libseccomp.ToSyscallName(no); err == nil {
		return n
	}
	return fmt.Sprintf("syscall_%d", no)
}
