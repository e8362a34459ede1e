package runner

// Status 是结果状态
type Status int

// 运行结果状态
const (
	StatusInvalid Status = iota // 0 未初始化
	// 正常
	StatusNormal // 1 正常

	// 未授权访问
	StatusDisallowedSyscall // 2 禁止的系统调用

	// 运行时错误
	StatusSignalled         // 3 被信号终止
	StatusNonzeroExitStatus // 4 非零退出状态

	// 运行器错误
	StatusRunnerError // 5 运行器错误
)

var (
	statusString = []string{
		"无效",
		"",
		"禁止的系统调用",
		"被信号终止",
		"非零退出状态",
		"运行器错误",
	}
)

func (t Status) String() string {
	i := int(t)
	if i >= 0 && i < len(statusString) {
		return statusString[i]
	}
	return statusString[0]
}

func (t Status) Error() string {
	return t.String()
}
