// Package trampoline 定义了追踪器与注入到被追踪进程中的代码之间的固定地址契约
//
// 契约是二进制 ABI，地址与布局必须在版本之间保持稳定：
//
//	StubPage  0x7000_0000  r-x  两个系统调用桩，各为 "syscall; ret"
//	SlotPage  0x7000_1000  rw-  注入代码写入的槽位，以及追踪器使用的暂存区
//	StatePage 0x7000_2000  rw-  与追踪器共享（memfd MAP_SHARED）的 ProcessState
//
// 内核过滤器根据 seccomp_data.instruction_pointer 区分两个桩：
// 从未跟踪桩发出的系统调用直接放行，从跟踪桩发出的总是陷入追踪器。
package trampoline

// PageSize 是契约中每个页面的大小
const PageSize = 0x1000

// 契约页面的固定地址
const (
	StubPage  uintptr = 0x7000_0000
	SlotPage  uintptr = 0x7000_1000
	StatePage uintptr = 0x7000_2000

	// ContractEnd 是契约区域的结束地址（不包含）
	ContractEnd = StatePage + PageSize
)

// 系统调用桩的入口地址
const (
	UntracedEntry = StubPage
	TracedEntry   = StubPage + 4
)

// SyscallInsnLen 是 syscall 指令的长度
const SyscallInsnLen = 2

// 标记值：内核在过滤时看到的指令指针，即桩中 syscall 指令之后的地址
const (
	UntracedMarker = UntracedEntry + SyscallInsnLen
	TracedMarker   = TracedEntry + SyscallInsnLen
)

// 槽位地址，除 ReadySlot 外均只写一次
const (
	HookSlot          = SlotPage + 0x00 // 拦截入口地址
	ReadySlot         = SlotPage + 0x08 // 0 -> 1，快速路径已就绪
	ProcessStateSlot  = SlotPage + 0x10 // 由追踪器写入的 ProcessState 地址
	SyscallHelperSlot = SlotPage + 0x18
	RPCHelperSlot     = SlotPage + 0x20

	// ScratchSlot 是追踪器注入系统调用时存放参数（如路径）的暂存区
	ScratchSlot = SlotPage + 0x800
	ScratchSize = PageSize - 0x800
)

// StubCode 是写入 StubPage 的代码
//
//	0x0: 0f 05  syscall   ; 未跟踪
//	0x2: c3     ret
//	0x3: 90     nop
//	0x4: 0f 05  syscall   ; 跟踪
//	0x6: c3     ret
//	0x7: cc     int3
var StubCode = []byte{0x0f, 0x05, 0xc3, 0x90, 0x0f, 0x05, 0xc3, 0xcc}

// ENOSYS 是契约未就绪时入口返回的值（-ENOSYS）
const ENOSYS = -38
