package runner

import (
	"fmt"
	"time"
)

// RunnerErrorCode 是运行器自身失败时的退出码
const RunnerErrorCode = 125

// Result 是进程树运行的结果
type Result struct {
	Status            // 结果状态
	ExitStatus int    // 按退出策略选出的退出码，信号终止为 0x80|signo
	Error      string // 潜在的详细错误信息（用于运行器错误）

	// 状态页上的计数，未注入时为 0
	Syscalls uint64
	Captured uint64

	// 运行器的度量指标
	SetUpTime   time.Duration // 设置时间
	RunningTime time.Duration // 运行时间
}

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[%d][%d/%d][%v %v]", r.ExitStatus, r.Captured, r.Syscalls, r.SetUpTime, r.RunningTime)

	case StatusSignalled:
		return fmt.Sprintf("Result[Signalled(%d)][%d/%d][%v %v]", r.ExitStatus, r.Captured, r.Syscalls, r.SetUpTime, r.RunningTime)

	case StatusRunnerError:
		return fmt.Sprintf("Result[RunnerFailed(%s)][%v %v]", r.Error, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%s %d)][%d/%d][%v %v]", r.Status, r.Error, r.ExitStatus, r.Captured, r.Syscalls, r.SetUpTime, r.RunningTime)
	}
}

// ExitCode 返回命令行应当使用的退出码
func (r Result) ExitCode() int {
	switch r.Status {
	case StatusRunnerError, StatusInvalid:
		return RunnerErrorCode
	case StatusDisallowedSyscall:
		if r.ExitStatus == 0 {
			return 0x80 | 9
		}
	}
	return r.ExitStatus
}
