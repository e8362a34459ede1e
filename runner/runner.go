// Package runner 定义了运行进程树的基本接口与结果
package runner

import (
	"context"
)

// Runner 接口定义了启动运行的方法
type Runner interface {
	Run(context.Context) Result
}
