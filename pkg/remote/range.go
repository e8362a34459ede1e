// Package remote 提供了对被跟踪进程地址空间的安全读写
//
// 所有跨进程的内存访问都需要先通过 Space.Acquire 获取一个范围守卫（Guard），
// 守卫在释放之前独占（写）或共享（读）对应的地址范围。
// 写操作要求目标进程（或其整个线程组）处于停止状态，这是调用者的前置条件，
// 本包不会检查目标是否已停止。
package remote

import (
	"errors"
	"fmt"
)

// Mode 是远程范围的访问模式
type Mode int

// 访问模式
const (
	ModeRead Mode = iota + 1
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "invalid"
	}
}

// Range 描述一次正在进行的跨进程内存操作
type Range struct {
	Start uintptr
	Len   int
	Mode  Mode
}

// End 返回范围的结束地址（不包含）
func (r Range) End() uintptr {
	return r.Start + uintptr(r.Len)
}

// Overlaps 判断两个范围是否相交
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// conflicts 判断两个范围是否不能同时持有：相交且至少一方为写
func (r Range) conflicts(o Range) bool {
	return r.Overlaps(o) && (r.Mode == ModeWrite || o.Mode == ModeWrite)
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)/%v", r.Start, r.End(), r.Mode)
}

// 远程内存访问的错误类别，使用 errors.Is 判断
var (
	// ErrAddressInvalid 表示范围在目标进程中未映射
	ErrAddressInvalid = errors.New("address range not mapped")
	// ErrRangeConflict 表示已有重叠的写范围被持有
	ErrRangeConflict = errors.New("overlapping range held for write")
	// ErrAccessDenied 表示操作系统拒绝访问（目标未停止或权限不足）
	ErrAccessDenied = errors.New("access denied")
)

// Error 记录了失败的远程操作
type Error struct {
	Op    string
	Pid   int
	Range Range
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s pid %d %v: %v", e.Op, e.Pid, e.Range, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
