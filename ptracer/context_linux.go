package ptracer

import (
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/remote"
)

// Context 是当前系统调用陷阱的上下文
// 用于获取系统调用号和参数，以及访问被追踪进程的内存
type Context struct {
	// Pid 是当前上下文进程的 pid
	Pid int
	// 当前寄存器上下文（平台相关）
	regs unix.PtraceRegs

	ops   ops
	space *remote.Space
}

/*
	getTrapContext 读取 pid 的寄存器并构造上下文

使用示例:

	ctx, err := s.getTrapContext(1234)
	ctx.Pid == 1234
	ctx.regs 包含进程寄存器状态
*/
func (s *Scheduler) getTrapContext(pid int) (*Context, error) {
	c := &Context{Pid: pid, ops: s.ops, space: s.space}
	if err := s.ops.GetRegs(pid, &c.regs); err != nil {
		return nil, err
	}
	return c, nil
}

// GetString 从被追踪进程读取以 NUL 结尾的字符串
// 地址无效或与正在进行的写入冲突时返回 remote 包的错误，由策略决定如何处理
func (c *Context) GetString(addr uintptr) (string, error) {
	return c.space.ReadString(c.Pid, addr)
}

// Space 返回远程内存访问层
func (c *Context) Space() *remote.Space {
	return c.space
}
