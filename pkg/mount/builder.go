package mount

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Builder 通过链式调用方式配置多个挂载点
type Builder struct {
	Mounts []Mount
}

// NewBuilder 创建一个新的挂载构建器实例
func NewBuilder() *Builder {
	return &Builder{}
}

// WithMount 将单个挂载点添加到构建器中
func (b *Builder) WithMount(m Mount) *Builder {
	b.Mounts = append(b.Mounts, m)
	return b
}

// WithProcRW 添加挂载到 /proc 的 proc 文件系统，可以指定是否为只读
func (b *Builder) WithProcRW(canWrite bool) *Builder {
	var flags uintptr = unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC
	if !canWrite {
		flags |= unix.MS_RDONLY
	}
	return b.WithMount(Mount{
		Source: "proc",
		Target: "/proc",
		FsType: "proc",
		Flags:  flags,
	})
}

// String 返回构建器中所有挂载点的字符串表示，用于日志
func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
