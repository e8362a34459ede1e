package forkexec

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// prepareExec 把参数与环境变量转换为 execve 需要的 C 字符串
// 转换必须在 fork 之前完成，子进程中不能分配内存
func prepareExec(args, env []string) (argv0 *byte, argv, envv []*byte, err error) {
	if len(args) == 0 {
		return nil, nil, nil, syscall.EINVAL
	}
	if argv0, err = syscall.BytePtrFromString(args[0]); err != nil {
		return
	}
	if argv, err = syscall.SlicePtrFromStrings(args); err != nil {
		return
	}
	envv, err = syscall.SlicePtrFromStrings(env)
	return
}

// prepareFds 返回目标描述符表，以及一个不会与其冲突的临时描述符编号
func prepareFds(files []uintptr) (fd []int, nextfd int) {
	fd = make([]int, len(files))
	nextfd = len(files)
	for i, f := range files {
		fd[i] = int(f)
		nextfd = max(nextfd, int(f))
	}
	return fd, nextfd + 1
}

// syscallStringFromString 与 BytePtrFromString 相同，空字符串返回 nil
func syscallStringFromString(str string) (*byte, error) {
	if str == "" {
		return nil, nil
	}
	return syscall.BytePtrFromString(str)
}

// LookPath 按照 env 中的 PATH 查找可执行文件（execvpe 语义）
// 包含 '/' 的名称不做查找；PATH 未设置时使用 /bin:/usr/bin
func LookPath(file string, env []string) (string, error) {
	if strings.Contains(file, "/") {
		if err := findExecutable(file); err != nil {
			return "", &fs.PathError{Op: "lookpath", Path: file, Err: err}
		}
		return file, nil
	}
	path := "/bin:/usr/bin"
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "PATH="); ok {
			path = v
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, file)
		if err := findExecutable(p); err == nil {
			return p, nil
		}
	}
	return "", &fs.PathError{Op: "lookpath", Path: file, Err: fs.ErrNotExist}
}

func findExecutable(file string) error {
	d, err := os.Stat(file)
	if err != nil {
		return err
	}
	if m := d.Mode(); m.IsDir() || m&0111 == 0 {
		return fs.ErrPermission
	}
	return nil
}
