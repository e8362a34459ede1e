package mount

import (
	"fmt"
	"syscall"
)

// Mount 定义了挂载点的基本属性
type Mount struct {
	Source string  // 挂载源（如设备文件、目录或特殊文件系统名称）
	Target string  // 挂载目标（挂载点的路径）
	FsType string  // 文件系统类型（如 tmpfs、proc 等）
	Data   string  // 挂载选项（如 size=64m 等）
	Flags  uintptr // 挂载标志（如 MS_RDONLY、MS_BIND 等）
}

// IsBindMount 判断是否为绑定挂载
func (m Mount) IsBindMount() bool {
	return m.Flags&syscall.MS_BIND == syscall.MS_BIND
}

// IsReadOnly 判断是否为只读挂载
func (m Mount) IsReadOnly() bool {
	return m.Flags&syscall.MS_RDONLY == syscall.MS_RDONLY
}

// String 返回挂载点的字符串表示
func (m Mount) String() string {
	flag := "rw"
	if m.IsReadOnly() {
		flag = "ro"
	}
	switch {
	case m.IsBindMount():
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)
	case m.FsType == "tmpfs":
		return fmt.Sprintf("tmpfs[%s]", m.Target)
	case m.FsType == "proc":
		return fmt.Sprintf("proc[%s]", flag)
	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}
