// Package hooks 解析并校验注入库中的系统调用拦截点
//
// 拦截表由配置提供，每一项是相对于注入库加载基址的代码偏移以及该处的指令类型。
// 本包不计算拦截点，只把偏移解析为被追踪进程中的绝对地址，并反汇编校验。
package hooks

import (
	"fmt"
	"strings"
)

// Kind 是拦截点处的指令类型
type Kind int

// 拦截点类型
const (
	KindSyscall Kind = iota + 1 // syscall 指令
	KindCall                    // call 指令（例如 libc 的 syscall 包装）
)

func (k Kind) String() string {
	switch k {
	case KindSyscall:
		return "syscall"
	case KindCall:
		return "call"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind 解析拦截点类型名
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "syscall":
		return KindSyscall, nil
	case "call":
		return KindCall, nil
	default:
		return 0, fmt.Errorf("hooks: unknown kind %q", s)
	}
}

// UnmarshalText 使 Kind 可以直接从 TOML 字符串解码
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// MarshalText 实现 encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindSyscall && k != KindCall {
		return nil, fmt.Errorf("hooks: invalid kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// Hook 是拦截表中的一项
type Hook struct {
	Offset uint64 `toml:"offset"`
	Kind   Kind   `toml:"kind"`
}

func (h Hook) String() string {
	return fmt.Sprintf("%s@%#x", h.Kind, h.Offset)
}

// Site 是已解析并校验过的拦截点
type Site struct {
	Hook
	Addr uintptr // 被追踪进程中的绝对地址
	Len  int     // 指令长度
}
