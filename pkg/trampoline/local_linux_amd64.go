package trampoline

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/zqzqsb/systrace/pkg/remote"
)

// rawSyscall 跳转到当前进程中 entry 处的桩，实现在 rawsyscall_amd64.s
//
//go:noescape
func rawSyscall(entry uintptr, no uint64, args [6]uint64) int64

// localSlots 直接访问当前进程中的契约地址
type localSlots struct{}

func (localSlots) Load(addr uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}

func (localSlots) Store(addr uintptr, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), v)
}

func (localSlots) State(addr uintptr) (*State, error) {
	return AttachState(unsafe.Slice((*byte)(unsafe.Pointer(addr)), PageSize))
}

// ContractMapped 检查当前进程中三个契约页面是否都已映射
func ContractMapped() bool {
	maps, err := remote.ReadMaps(os.Getpid())
	if err != nil {
		return false
	}
	for _, page := range []uintptr{StubPage, SlotPage, StatePage} {
		found := false
		for _, m := range maps {
			if m.Contains(page) && m.Readable() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NewLocal 创建作用于当前进程的注册对象，cb 为空时使用 Echo
//
// 调用方必须先确认 ContractMapped，否则访问槽位会导致进程崩溃。
func NewLocal(cb Callback) *Registration {
	r := NewRegistration(localSlots{}, rawSyscall, cb)
	if cb == nil {
		r.cb = r.Echo
	}
	return r
}
