package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation 定义了子进程执行失败的具体位置
type ErrorLocation int

// ChildError 是子进程在 execve 之前失败时通过管道回传的错误
type ChildError struct {
	Err      syscall.Errno // 系统调用错误码
	Location ErrorLocation // 错误发生的位置
}

// Location 常量按照子进程初始化的顺序排列
const (
	LocClone ErrorLocation = iota + 1 // 克隆（创建）新进程失败
	LocCloseWrite                     // 关闭写入端失败
	LocUnshareUserRead                // 读取用户命名空间配置失败
	LocGetPid                         // 获取进程 ID 失败
	LocDup3                           // 复制文件描述符失败
	LocFcntl                          // 文件控制操作失败
	LocSetSid                         // 设置会话 ID 失败
	LocSetPgid                        // 设置进程组失败
	LocMountRoot                      // 将根目录标记为私有失败
	LocChdir                          // 改变工作目录失败
	LocPersonality                    // 设置执行域失败
	LocPdeathsig                      // 设置父进程退出信号失败
	LocSetNoNewPrivs                  // 禁止获取新特权失败
	LocPtraceMe                       // 启用 ptrace 跟踪失败
	LocStop                           // 停止进程失败
	LocSeccomp                        // 配置 seccomp 失败
	LocSyncWrite                      // 同步写入失败
	LocSyncRead                       // 同步读取失败
	LocExecve                         // 执行新程序失败
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"unshare_user_read",
	"getpid",
	"dup3",
	"fcntl",
	"setsid",
	"setpgid",
	"mount(root)",
	"chdir",
	"personality",
	"set_pdeathsig",
	"set_no_new_privs",
	"ptrace_me",
	"stop",
	"seccomp",
	"sync_write",
	"sync_read",
	"execve",
}

// String 将 ErrorLocation 转换为人类可读的字符串
func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

// Error 实现了 error 接口，例如 "execve: no such file or directory"
func (e ChildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}

// Unwrap 返回系统调用错误码，使 errors.Is(err, fs.ErrNotExist) 等判断可用
func (e ChildError) Unwrap() error {
	return e.Err
}
