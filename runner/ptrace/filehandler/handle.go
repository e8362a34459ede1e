// Package filehandler 提供了追踪器侧的文件访问控制与系统调用计数策略
package filehandler

import (
	"github.com/zqzqsb/systrace/ptracer"
)

// Handler 是基于路径集合与系统调用计数的策略
type Handler struct {
	FileSet        *FileSets      // 文件权限集合
	SyscallCounter SyscallCounter // 系统调用倒计数，为空表示不限制
}

// CheckRead 检查文件是否有读取权限
func (h *Handler) CheckRead(fn string) ptracer.TraceAction {
	if !h.FileSet.IsReadableFile(fn) {
		return h.onDgsFileDetect(fn)
	}
	return ptracer.TraceAllow
}

// CheckWrite 检查文件是否有写入权限
func (h *Handler) CheckWrite(fn string) ptracer.TraceAction {
	if !h.FileSet.IsWritableFile(fn) {
		return h.onDgsFileDetect(fn)
	}
	return ptracer.TraceAllow
}

// CheckStat 检查文件是否有状态查看权限（stat, access 等）
func (h *Handler) CheckStat(fn string) ptracer.TraceAction {
	if !h.FileSet.IsStatableFile(fn) {
		return h.onDgsFileDetect(fn)
	}
	return ptracer.TraceAllow
}

// CheckSyscall 检查文件操作之外的系统调用
//   - 不在计数器中：允许
//   - 在计数器中且未用完：允许
//   - 用完：TraceKill
func (h *Handler) CheckSyscall(syscallName string) ptracer.TraceAction {
	if inside, allow := h.SyscallCounter.Check(syscallName); inside && !allow {
		return ptracer.TraceKill
	}
	return ptracer.TraceAllow
}

// onDgsFileDetect 处理文件访问违规，在软禁止列表中的跳过调用，否则终止
func (h *Handler) onDgsFileDetect(fn string) ptracer.TraceAction {
	if h.FileSet.IsSoftBanFile(fn) {
		return ptracer.TraceEmulate
	}
	return ptracer.TraceKill
}
