package libseccomp

// Action 定义了 seccomp 过滤器的动作类型
// - 低 16 位用于基本动作（如 ALLOW、KILL 等）
// - 高 16 位用于附加数据（如错误码）
type Action uint32

// Action 定义了对系统调用的处理动作，从 1 开始确保 0 值无效
const (
	ActionAllow Action = iota + 1 // 允许系统调用继续执行
	ActionErrno                   // 返回一个错误码给调用进程
	ActionTrace                   // 通知跟踪器（如 ptrace）并暂停执行
	ActionKill                    // 立即终止进程
)

// ParseAction 解析配置中的动作名，未知名称返回 false
func ParseAction(s string) (Action, bool) {
	switch s {
	case "allow":
		return ActionAllow, true
	case "errno":
		return ActionErrno, true
	case "trace", "":
		return ActionTrace, true
	case "kill":
		return ActionKill, true
	}
	return 0, false
}

// Action 方法返回基本动作类型（不包含附加数据）
func (a Action) Action() Action {
	return Action(a & 0xffff)
}
