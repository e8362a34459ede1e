package trampoline

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// StateMagic 标识一个已初始化的状态页（"SYSTRACE"）
const StateMagic uint64 = 0x4543_4152_5453_5953

// DefaultStoreOffset 是镜像字在状态页中的默认偏移
const DefaultStoreOffset = 0x800

// ProcessState 是状态页的头部，布局固定
//
// 计数器被被追踪进程的所有线程以及追踪器并发修改，只能通过原子操作访问。
type ProcessState struct {
	Magic              uint64
	NrSyscalls         atomic.Uint64 // 观察到的系统调用总数
	NrSyscallsCaptured atomic.Uint64 // 经由慢速路径（追踪器）处理的系统调用数
	StoreOffset        uint64        // 镜像字在页内的偏移
}

// Kind 是系统调用经过的路径
type Kind int

// 系统调用路径
const (
	// Untraced 表示通过未跟踪入口直接执行，只计入总数
	Untraced Kind = iota
	// Captured 表示经由追踪器处理，同时计入总数与捕获数
	Captured
)

// Counters 是某一时刻的计数快照
type Counters struct {
	Total    uint64
	Captured uint64
	Mirror   uint64
}

// State 是对一个状态页的视图
type State struct {
	hdr   *ProcessState
	store *atomic.Uint64
}

// ErrBadState 表示状态页未初始化或已损坏
var ErrBadState = errors.New("trampoline: bad process state page")

// InitState 初始化一个新的状态页并返回其视图
func InitState(page []byte) (*State, error) {
	if len(page) < PageSize {
		return nil, fmt.Errorf("%w: page size %d", ErrBadState, len(page))
	}
	hdr := (*ProcessState)(unsafe.Pointer(&page[0]))
	hdr.StoreOffset = DefaultStoreOffset
	hdr.NrSyscalls.Store(0)
	hdr.NrSyscallsCaptured.Store(0)
	atomic.StoreUint64(&hdr.Magic, StateMagic)
	return AttachState(page)
}

// AttachState 附加到一个已初始化的状态页
func AttachState(page []byte) (*State, error) {
	if len(page) < PageSize {
		return nil, fmt.Errorf("%w: page size %d", ErrBadState, len(page))
	}
	hdr := (*ProcessState)(unsafe.Pointer(&page[0]))
	if atomic.LoadUint64(&hdr.Magic) != StateMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadState, hdr.Magic)
	}
	off := hdr.StoreOffset
	if off < uint64(unsafe.Sizeof(*hdr)) || off > PageSize-8 || off%8 != 0 {
		return nil, fmt.Errorf("%w: store offset %#x", ErrBadState, off)
	}
	return &State{
		hdr:   hdr,
		store: (*atomic.Uint64)(unsafe.Pointer(&page[off])),
	}, nil
}

// NoteSyscall 记录一次系统调用，并把运行总数镜像到共享位置
func (s *State) NoteSyscall(k Kind) {
	n := s.hdr.NrSyscalls.Add(1)
	if k == Captured {
		s.hdr.NrSyscallsCaptured.Add(1)
	}
	s.store.Store(n)
}

// Snapshot 读取当前计数
func (s *State) Snapshot() Counters {
	return Counters{
		Total:    s.hdr.NrSyscalls.Load(),
		Captured: s.hdr.NrSyscallsCaptured.Load(),
		Mirror:   s.store.Load(),
	}
}

func (c Counters) String() string {
	return fmt.Sprintf("syscalls: %d total, %d captured", c.Total, c.Captured)
}
