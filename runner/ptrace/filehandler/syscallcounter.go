package filehandler

// SyscallCounter 为每个系统调用定义倒计数，用完之后终止进程树
type SyscallCounter map[string]int

// NewSyscallCounter 创建新的 SyscallCounter
func NewSyscallCounter() SyscallCounter {
	return SyscallCounter(make(map[string]int))
}

// Add 向 SyscallCounter 添加单个计数器
func (s SyscallCounter) Add(name string, count int) {
	s[name] = count
}

// AddRange 向 SyscallCounter 添加多个计数器
func (s SyscallCounter) AddRange(m map[string]int) {
	for k, v := range m {
		s[k] = v
	}
}

// Check 返回 inside, allow
// inside: 表示系统调用是否在计数器中
// allow: 表示是否允许继续执行（计数 n 允许 n 次调用）
func (s SyscallCounter) Check(syscallName string) (bool, bool) {
	n, o := s[syscallName]
	if !o {
		return false, true
	}
	s[syscallName] = n - 1
	return true, n > 0
}
