package libseccomp

import (
	"fmt"
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/seccomp"
)

// Markers 是两个系统调用桩的指令指针标记
// 内核看到的 instruction_pointer 是 syscall 指令之后的地址
type Markers struct {
	Untraced uint64 // 直接放行
	Traced   uint64 // 总是交给追踪器
}

// Builder 用于构建 seccomp 过滤器
// 采用 Builder 模式，提供简单的接口来创建复杂的过滤规则
type Builder struct {
	Allow   []string // 允许执行的系统调用列表
	Trace   []string // 需要跟踪的系统调用列表
	Default Action   // 默认动作（当系统调用不在上述列表中时）

	// Markers 不为空时在策略之前插入按指令指针分流的前缀
	Markers *Markers
}

// actTrace 定义了跟踪动作的全局变量
var actTrace = libseccomp.ActionTrace

// seccomp_data 中各字段的偏移
const (
	offNr     = 0
	offArch   = 4
	offIPLow  = 8
	offIPHigh = 12
)

// Build 构建过滤器
//
// 过程：
// 1. 生成指令指针前缀（如果配置了标记）
// 2. 创建过滤策略并编译为 BPF 程序
// 3. 转换为内核可读格式
func (b *Builder) Build() (seccomp.Filter, error) {
	program, err := b.Assemble()
	if err != nil {
		return nil, err
	}
	return ExportBPF(program)
}

// Assemble 生成 BPF 指令序列，不做汇编
//
// 空的系统调用组不传给 go-seccomp-bpf，否则生成的程序缺少结尾的返回指令。
func (b *Builder) Assemble() ([]bpf.Instruction, error) {
	policy := libseccomp.Policy{
		DefaultAction: ToSeccompAction(b.Default),
	}
	for _, g := range []libseccomp.SyscallGroup{
		{Action: libseccomp.ActionAllow, Names: b.Allow},
		{Action: actTrace, Names: b.Trace},
	} {
		if len(g.Names) > 0 {
			policy.Syscalls = append(policy.Syscalls, g)
		}
	}
	program := defaultOnly(policy.DefaultAction)
	if len(policy.Syscalls) > 0 {
		var err error
		if program, err = policy.Assemble(); err != nil {
			return nil, err
		}
	}
	if b.Markers != nil {
		program = append(markerPrefix(*b.Markers), program...)
	}
	// bpf.NewVM 检查结尾的返回指令与跳转范围，与内核的校验一致
	if _, err := bpf.NewVM(program); err != nil {
		return nil, fmt.Errorf("seccomp: invalid program: %w", err)
	}
	return program, nil
}

// defaultOnly 是没有系统调用组时的策略：检查架构后返回默认动作
func defaultOnly(def libseccomp.Action) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: offArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: unix.AUDIT_ARCH_X86_64, SkipTrue: 1},
		bpf.RetConstant{Val: uint32(libseccomp.ActionKillProcess)},
		bpf.RetConstant{Val: uint32(def)},
	}
}

/*
	markerPrefix 生成按指令指针分流的前缀

布局：

	0  ld  arch
	1  jeq AUDIT_ARCH_X86_64, +1
	2  ret KILL_PROCESS
	3  ld  nr
	4  jeq execve -> 10
	5  ld  ip_high
	6  jne high -> 12
	7  ld  ip_low
	8  jeq untraced -> 10
	9  jeq traced -> 11, else 12
	10 ret ALLOW
	11 ret TRACE
	12 策略开始

两个标记的高 32 位必须相同。
*/
func markerPrefix(m Markers) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: offArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: unix.AUDIT_ARCH_X86_64, SkipTrue: 1},
		bpf.RetConstant{Val: uint32(libseccomp.ActionKillProcess)},
		bpf.LoadAbsolute{Off: offNr, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(unix.SYS_EXECVE), SkipTrue: 5},
		bpf.LoadAbsolute{Off: offIPHigh, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(m.Untraced >> 32), SkipTrue: 5},
		bpf.LoadAbsolute{Off: offIPLow, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(m.Untraced), SkipTrue: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(m.Traced), SkipTrue: 1, SkipFalse: 2},
		bpf.RetConstant{Val: uint32(libseccomp.ActionAllow)},
		bpf.RetConstant{Val: uint32(libseccomp.ActionTrace)},
	}
}

// ExportBPF 将 libseccomp 过滤器转换为内核可读的 BPF 内容
func ExportBPF(filter []bpf.Instruction) (seccomp.Filter, error) {
	raw, err := bpf.Assemble(filter)
	if err != nil {
		return nil, err
	}
	return sockFilter(raw), nil
}

// sockFilter 将原始 BPF 指令转换为内核使用的 SockFilter 格式
func sockFilter(raw []bpf.RawInstruction) []syscall.SockFilter {
	filter := make([]syscall.SockFilter, 0, len(raw))
	for _, instruction := range raw {
		filter = append(filter, syscall.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}
	return filter
}
