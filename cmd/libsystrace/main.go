// Command libsystrace 是注入到被追踪进程中的共享库
//
// 以 -buildmode=c-shared 构建为 libsystrace.so，通过 LD_PRELOAD 加载。
// 加载时确认追踪器已建立契约，随后注册入口地址并置位 ready。
// 契约不存在时不做任何事，所有系统调用继续经由追踪器。
package main

/*
#include <stdint.h>

extern int64_t systrace_hook(void* info);
extern int64_t systrace_syscall(uint64_t no, uint64_t a0, uint64_t a1, uint64_t a2, uint64_t a3, uint64_t a4, uint64_t a5);
extern int64_t systrace_rpc(uint64_t no, uint64_t a0, uint64_t a1, uint64_t a2, uint64_t a3, uint64_t a4, uint64_t a5);
*/
import "C"

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/zqzqsb/systrace/pkg/trampoline"
)

// reg 在 init 完成后发布，导出函数可能在其他线程上并发读取
var reg atomic.Pointer[trampoline.Registration]

// init 运行在 Go 运行时自己的初始化线程上，宿主程序的线程此时可能已经存在
func init() {
	if !trampoline.ContractMapped() {
		return
	}
	r := trampoline.NewLocal(nil)
	err := r.Init(trampoline.EntryPoints{
		Hook:          uintptr(unsafe.Pointer(C.systrace_hook)),
		SyscallHelper: uintptr(unsafe.Pointer(C.systrace_syscall)),
		RPCHelper:     uintptr(unsafe.Pointer(C.systrace_rpc)),
	})
	if err != nil {
		if os.Getenv("SYSTRACE_DEBUG") != "" {
			os.Stderr.WriteString("libsystrace: " + err.Error() + "\n")
		}
		return
	}
	reg.Store(r)
}

//export systrace_hook
func systrace_hook(info unsafe.Pointer) C.int64_t {
	r := reg.Load()
	if r == nil {
		return C.int64_t(trampoline.ENOSYS)
	}
	return C.int64_t(r.Hook((*trampoline.SyscallInfo)(info)))
}

// systrace_syscall 通过未跟踪入口执行系统调用
//
//export systrace_syscall
func systrace_syscall(no, a0, a1, a2, a3, a4, a5 C.uint64_t) C.int64_t {
	r := reg.Load()
	if r == nil {
		return C.int64_t(trampoline.ENOSYS)
	}
	args := [6]uint64{uint64(a0), uint64(a1), uint64(a2), uint64(a3), uint64(a4), uint64(a5)}
	return C.int64_t(r.Untraced(uint64(no), args))
}

// systrace_rpc 通过跟踪入口执行系统调用，调用总会进入追踪器
//
//export systrace_rpc
func systrace_rpc(no, a0, a1, a2, a3, a4, a5 C.uint64_t) C.int64_t {
	r := reg.Load()
	if r == nil {
		return C.int64_t(trampoline.ENOSYS)
	}
	args := [6]uint64{uint64(a0), uint64(a1), uint64(a2), uint64(a3), uint64(a4), uint64(a5)}
	return C.int64_t(r.Traced(uint64(no), args))
}

func main() {}
