package ptracer

/*
	; x86_64 系统调用参数顺序
	syscall_number -> rax   ; 系统调用号（进入内核后保存在 orig_rax）
	arg0 -> rdi
	arg1 -> rsi
	arg2 -> rdx
	arg3 -> r10             ; 注意：不是 rcx
	arg4 -> r8
	arg5 -> r9
*/

// SyscallNo 获取当前系统调用号
// 使用 Orig_rax 而不是 rax，因为 rax 会被系统调用返回值覆盖
func (c *Context) SyscallNo() uint {
	return uint(c.regs.Orig_rax)
}

// Arg0 获取当前系统调用的 arg0
func (c *Context) Arg0() uint {
	return uint(c.regs.Rdi)
}

// Arg1 获取当前系统调用的 arg1
func (c *Context) Arg1() uint {
	return uint(c.regs.Rsi)
}

// Arg2 获取当前系统调用的 arg2
func (c *Context) Arg2() uint {
	return uint(c.regs.Rdx)
}

// Arg3 获取当前系统调用的 arg3
func (c *Context) Arg3() uint {
	return uint(c.regs.R10)
}

// Arg4 获取当前系统调用的 arg4
func (c *Context) Arg4() uint {
	return uint(c.regs.R8)
}

// Arg5 获取当前系统调用的 arg5
func (c *Context) Arg5() uint {
	return uint(c.regs.R9)
}

// Args 返回全部六个参数
func (c *Context) Args() [6]uint64 {
	r := &c.regs
	return [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9}
}

// IP 返回内核看到的指令指针（syscall 指令之后的地址）
func (c *Context) IP() uint64 {
	return c.regs.Rip
}

// SetReturnValue 设置被模拟的系统调用的返回值，错误用负的 errno 表示
func (c *Context) SetReturnValue(retval int64) {
	c.regs.Rax = uint64(retval)
}

// ReturnValue 返回当前 rax，在系统调用退出时即为返回值
func (c *Context) ReturnValue() int64 {
	return int64(c.regs.Rax)
}

// skipSyscall 跳过当前系统调用
// 将系统调用号设置为 -1，内核不再执行它，rax 中的值即为返回值
func (c *Context) skipSyscall() error {
	c.regs.Orig_rax = ^uint64(0)
	return c.ops.SetRegs(c.Pid, &c.regs)
}
