package memfd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// 创建 memfd 的标志位组合：
// MFD_CLOEXEC: 在执行 exec 时自动关闭文件描述符
// MFD_ALLOW_SEALING: 允许对文件进行密封操作
const createFlag = unix.MFD_CLOEXEC | unix.MFD_ALLOW_SEALING

// 共享页密封：大小固定，但内容仍可写
const sizeSeal = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW

// New 创建一个新的 memfd，name 仅用于调试
// 注意：调用者需要负责关闭返回的文件
func New(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, createFlag)
	if err != nil {
		return nil, fmt.Errorf("memfd: memfd_create failed %v", err)
	}
	file := os.NewFile(uintptr(fd), name)
	if file == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memfd: NewFile failed for %v", name)
	}
	return file, nil
}

// Shared 是一个已映射到本进程的 memfd
type Shared struct {
	File *os.File
	Mem  []byte
}

// NewShared 创建大小为 size 的 memfd，密封其大小并以 MAP_SHARED 映射
func NewShared(name string, size int) (*Shared, error) {
	file, err := New(name)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: truncate %v", err)
	}
	if _, err := unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, sizeSeal); err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: seal %v", err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("memfd: mmap %v", err)
	}
	return &Shared{File: file, Mem: mem}, nil
}

// Fd 返回 memfd 的文件描述符
func (s *Shared) Fd() int {
	return int(s.File.Fd())
}

// Close 解除映射并关闭文件
func (s *Shared) Close() error {
	var err error
	if s.Mem != nil {
		err = unix.Munmap(s.Mem)
		s.Mem = nil
	}
	if cerr := s.File.Close(); err == nil {
		err = cerr
	}
	return err
}
