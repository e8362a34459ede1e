package ptrace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/remote"
	"github.com/zqzqsb/systrace/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/systrace/ptracer"
)

// tracerHandler 把文件访问策略适配为 ptracer.Handler
type tracerHandler struct {
	Unsafe   bool    // 软禁用而不是直接杀死进程
	Handler  Handler // 具体的系统调用处理器
	Suppress map[unix.Signal]bool
	Log      *logrus.Entry
}

// getString 从目标进程读取路径并转换为绝对路径
// 地址无效或与正在进行的注入冲突时返回错误，由调用者决定动作
func (h *tracerHandler) getString(ctx *ptracer.Context, addr uint) (string, error) {
	s, err := ctx.GetString(uintptr(addr))
	if err != nil {
		return "", err
	}
	return absPath(ctx.Pid, s), nil
}

// onBadAddress 处理读取参数失败：地址无效时交给内核返回 EFAULT，其余错误终止
func (h *tracerHandler) onBadAddress(ctx *ptracer.Context, err error) ptracer.TraceAction {
	if errors.Is(err, remote.ErrAddressInvalid) {
		return ptracer.TraceAllow
	}
	h.Log.WithField("pid", ctx.Pid).Warnf("read argument: %v", err)
	return ptracer.TraceKill
}

func (h *tracerHandler) check(ctx *ptracer.Context, addr uint, op string, fn func(string) ptracer.TraceAction) ptracer.TraceAction {
	p, err := h.getString(ctx, addr)
	if err != nil {
		return h.onBadAddress(ctx, err)
	}
	h.Log.WithField("pid", ctx.Pid).Tracef("%s: %s", op, p)
	return fn(p)
}

// checkOpen 检查打开文件的操作是否允许
func (h *tracerHandler) checkOpen(ctx *ptracer.Context, addr uint, flags uint) ptracer.TraceAction {
	isReadOnly := (flags&syscall.O_ACCMODE == syscall.O_RDONLY) &&
		(flags&syscall.O_CREAT == 0) &&
		(flags&syscall.O_EXCL == 0) &&
		(flags&syscall.O_TRUNC == 0)

	if isReadOnly {
		return h.check(ctx, addr, "open "+getFileMode(flags), h.Handler.CheckRead)
	}
	return h.check(ctx, addr, "open "+getFileMode(flags), h.Handler.CheckWrite)
}

func (h *tracerHandler) checkRead(ctx *ptracer.Context, addr uint) ptracer.TraceAction {
	return h.check(ctx, addr, "check read", h.Handler.CheckRead)
}

func (h *tracerHandler) checkWrite(ctx *ptracer.Context, addr uint) ptracer.TraceAction {
	return h.check(ctx, addr, "check write", h.Handler.CheckWrite)
}

func (h *tracerHandler) checkStat(ctx *ptracer.Context, addr uint) ptracer.TraceAction {
	return h.check(ctx, addr, "check stat", h.Handler.CheckStat)
}

// Handle 按系统调用名称分发到路径检查或计数检查
func (h *tracerHandler) Handle(ctx *ptracer.Context) ptracer.TraceAction {
	syscallNo := ctx.SyscallNo()
	syscallName, err := libseccomp.ToSyscallName(syscallNo)
	if err != nil {
		h.Log.WithField("pid", ctx.Pid).Warnf("invalid syscall no %d", syscallNo)
		return h.ban(ctx, ptracer.TraceKill)
	}

	var action ptracer.TraceAction
	switch syscallName {
	case "open":
		action = h.checkOpen(ctx, ctx.Arg0(), ctx.Arg1())
	case "openat":
		action = h.checkOpen(ctx, ctx.Arg1(), ctx.Arg2())

	case "readlink":
		action = h.checkRead(ctx, ctx.Arg0())
	case "readlinkat":
		action = h.checkRead(ctx, ctx.Arg1())

	case "unlink":
		action = h.checkWrite(ctx, ctx.Arg0())
	case "unlinkat":
		action = h.checkWrite(ctx, ctx.Arg1())

	case "access":
		action = h.checkStat(ctx, ctx.Arg0())
	case "faccessat", "newfstatat":
		action = h.checkStat(ctx, ctx.Arg1())

	case "stat", "lstat":
		action = h.checkStat(ctx, ctx.Arg0())

	case "execve":
		action = h.checkRead(ctx, ctx.Arg0())
	case "execveat":
		action = h.checkRead(ctx, ctx.Arg1())

	case "chmod", "rename":
		action = h.checkWrite(ctx, ctx.Arg0())

	default:
		action = h.Handler.CheckSyscall(syscallName)
	}
	return h.ban(ctx, action)
}

// ban 把禁止动作转换为最终动作，TraceEmulate 的返回值为 -BanRet
func (h *tracerHandler) ban(ctx *ptracer.Context, action ptracer.TraceAction) ptracer.TraceAction {
	if h.Unsafe && action == ptracer.TraceKill {
		action = ptracer.TraceEmulate
	}
	if action == ptracer.TraceEmulate {
		ctx.SetReturnValue(-int64(BanRet))
	}
	return action
}

// HandleSignal 转发除 Suppress 之外的所有信号
func (h *tracerHandler) HandleSignal(pid int, sig unix.Signal) bool {
	return !h.Suppress[sig]
}

// getFileMode 获取文件打开模式的字符串表示
func getFileMode(flags uint) string {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		return "r "
	case syscall.O_WRONLY:
		return "w "
	case syscall.O_RDWR:
		return "wr"
	default:
		return "??"
	}
}

// getProcCwd 获取进程的当前工作目录，pid 为 0 时表示当前进程
func getProcCwd(pid int) string {
	fileName := "/proc/self/cwd"
	if pid > 0 {
		fileName = fmt.Sprintf("/proc/%d/cwd", pid)
	}
	s, err := os.Readlink(fileName)
	if err != nil {
		return ""
	}
	return s
}

// absPath 计算进程相对的绝对路径
func absPath(pid int, p string) string {
	if !path.IsAbs(p) {
		return path.Join(getProcCwd(pid), p)
	}
	return path.Clean(p)
}
