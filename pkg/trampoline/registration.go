package trampoline

import (
	"errors"
	"sync"
	"sync/atomic"
)

// SyscallInfo 是传给拦截入口的固定布局记录
type SyscallInfo struct {
	No   uint64
	Args [6]uint64
}

// ThreadState 是单次拦截调用的临时数据，调用结束即丢弃
type ThreadState struct {
	Tid     int
	Scratch [4]uint64
}

// Callback 是拦截回调（系统调用模拟策略），返回值即系统调用的返回值
type Callback func(st *State, ts *ThreadState, no uint64, args [6]uint64) int64

// RawSyscaller 跳转到 entry 处的桩执行系统调用
type RawSyscaller func(entry uintptr, no uint64, args [6]uint64) int64

// Slots 是对契约固定地址的访问
type Slots interface {
	Load(addr uintptr) uint64
	Store(addr uintptr, v uint64)
	// State 返回位于 addr 的状态页视图
	State(addr uintptr) (*State, error)
}

// EntryPoints 是注入模块写入槽位的函数地址
type EntryPoints struct {
	Hook          uintptr
	SyscallHelper uintptr
	RPCHelper     uintptr
}

// ErrAlreadyInitialized 表示 Init 被重复调用
var ErrAlreadyInitialized = errors.New("trampoline: registration already initialized")

// Registration 是注入模块在整个进程生命周期内持有的注册对象
//
// 它在加载时通过 Init 初始化一次，之后通过显式引用提供给拦截入口。
// 在 Init 成功之前以及 Invalidate 之后，所有入口都返回 -ENOSYS。
type Registration struct {
	slots Slots
	raw   RawSyscaller
	cb    Callback

	once  sync.Once
	state atomic.Pointer[State]
}

// NewRegistration 创建一个尚未就绪的注册对象
func NewRegistration(slots Slots, raw RawSyscaller, cb Callback) *Registration {
	return &Registration{slots: slots, raw: raw, cb: cb}
}

// Init 按顺序执行：读取 ProcessState 指针，写入入口地址，置位 ready
//
// c-shared 模式下 Init 在运行时的初始化线程上执行，程序自己的线程可能已在运行。
// once 保证只初始化一次；入口先于 state 与 ready 发布，读到 ready 的线程一定看到完整的入口。
func (r *Registration) Init(ep EntryPoints) error {
	err := ErrAlreadyInitialized
	r.once.Do(func() {
		err = r.init(ep)
	})
	return err
}

func (r *Registration) init(ep EntryPoints) error {
	addr := r.slots.Load(ProcessStateSlot)
	if addr == 0 {
		return errors.New("trampoline: process state slot is empty")
	}
	st, err := r.slots.State(uintptr(addr))
	if err != nil {
		return err
	}
	r.slots.Store(HookSlot, uint64(ep.Hook))
	r.slots.Store(SyscallHelperSlot, uint64(ep.SyscallHelper))
	r.slots.Store(RPCHelperSlot, uint64(ep.RPCHelper))
	r.state.Store(st)
	r.slots.Store(ReadySlot, 1)
	return nil
}

// Armed 返回快速路径是否已就绪
func (r *Registration) Armed() bool {
	return r.state.Load() != nil
}

// Invalidate 使契约失效，之后所有入口失败关闭
func (r *Registration) Invalidate() {
	r.state.Store(nil)
}

// Hook 是拦截入口：打包调用并交给回调
func (r *Registration) Hook(info *SyscallInfo) int64 {
	st := r.state.Load()
	if st == nil || info == nil || r.cb == nil {
		return ENOSYS
	}
	var ts ThreadState
	return r.cb(st, &ts, info.No, info.Args)
}

// Traced 通过跟踪桩执行系统调用，调用总会陷入追踪器，由追踪器计数
func (r *Registration) Traced(no uint64, args [6]uint64) int64 {
	if r.state.Load() == nil {
		return ENOSYS
	}
	return r.raw(TracedEntry, no, args)
}

// Untraced 通过未跟踪桩直接执行系统调用，只计入总数
func (r *Registration) Untraced(no uint64, args [6]uint64) int64 {
	st := r.state.Load()
	if st == nil {
		return ENOSYS
	}
	st.NoteSyscall(Untraced)
	return r.raw(UntracedEntry, no, args)
}

// Echo 是默认回调：原样通过未跟踪入口转发
func (r *Registration) Echo(_ *State, _ *ThreadState, no uint64, args [6]uint64) int64 {
	return r.Untraced(no, args)
}
