package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Mount 按顺序执行所有挂载，遇到第一个错误即返回
func (b *Builder) Mount() error {
	for i := range b.Mounts {
		if err := b.Mounts[i].Mount(); err != nil {
			return fmt.Errorf("%v: %w", b.Mounts[i], err)
		}
	}
	return nil
}

// Mount 执行挂载系统调用
// 如果是只读绑定挂载，需要重新挂载一次来确保只读属性生效
func (m *Mount) Mount() error {
	if err := ensureMountTargetExists(m.Source, m.Target); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := syscall.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	const bindRo = syscall.MS_BIND | syscall.MS_RDONLY
	if m.Flags&bindRo == bindRo {
		if err := syscall.Mount("", m.Target, m.FsType, m.Flags|syscall.MS_REMOUNT, m.Data); err != nil {
			return fmt.Errorf("remount: %w", err)
		}
	}
	return nil
}

// ensureMountTargetExists 确保挂载目标存在
// 如果源是文件，则创建目标文件；否则创建目标目录
func ensureMountTargetExists(source, target string) error {
	isFile := false
	if fi, err := os.Stat(source); err == nil {
		isFile = !fi.IsDir()
	}
	dir := target
	if isFile {
		dir = filepath.Dir(target)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if isFile {
		if err := syscall.Mknod(target, 0755, 0); err != nil {
			// 双重检查文件是否已存在
			f, err1 := os.Lstat(target)
			if err1 == nil && f.Mode().IsRegular() {
				return nil
			}
			return err
		}
	}
	return nil
}
