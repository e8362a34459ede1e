package remote

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// held 是一个已被持有的范围
type held struct {
	r  Range
	id uint64
}

func lessHeld(a, b *held) bool {
	if a.r.Start != b.r.Start {
		return a.r.Start < b.r.Start
	}
	return a.id < b.id
}

// Space 管理所有目标进程上被持有的远程范围
//
// 同一进程中相交的范围：读与读可以共存，只要任一方是写就会冲突。
type Space struct {
	mu     sync.Mutex
	held   map[int]*btree.BTreeG[*held]
	nextID uint64

	// noVM 在 process_vm_* 返回 ENOSYS 后置位，之后只用 ptrace 访问
	noVM bool

	// readMaps 读取目标进程的内存映射，测试可以替换
	readMaps func(pid int) ([]Mapping, error)
}

// NewSpace 创建一个空的 Space
func NewSpace() *Space {
	return &Space{
		held:     make(map[int]*btree.BTreeG[*held]),
		readMaps: ReadMaps,
	}
}

// Guard 是对一个远程范围的作用域持有，Release 之后范围重新可用
type Guard struct {
	s   *Space
	pid int
	h   *held
}

// Acquire 获取 pid 进程中 r 描述的范围
//
// 前置条件：若 r.Mode 为 ModeWrite，目标进程必须已停止。
func (s *Space) Acquire(pid int, r Range) (*Guard, error) {
	if r.Len <= 0 || (r.Mode != ModeRead && r.Mode != ModeWrite) {
		return nil, &Error{Op: "acquire", Pid: pid, Range: r, Err: unix.EINVAL}
	}
	if r.End() < r.Start {
		return nil, &Error{Op: "acquire", Pid: pid, Range: r, Err: ErrAddressInvalid}
	}
	maps, err := s.readMaps(pid)
	if err != nil {
		return nil, &Error{Op: "acquire", Pid: pid, Range: r, Err: classify(mapsErr(err))}
	}
	if !covered(maps, r.Start, r.End()) {
		return nil, &Error{Op: "acquire", Pid: pid, Range: r, Err: ErrAddressInvalid}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.held[pid]
	if t == nil {
		t = btree.NewG(8, lessHeld)
		s.held[pid] = t
	}
	var conflict *held
	// 只有起始地址小于 r.End() 的范围才可能与 r 相交
	t.AscendLessThan(&held{r: Range{Start: r.End()}}, func(h *held) bool {
		if h.r.conflicts(r) {
			conflict = h
			return false
		}
		return true
	})
	if conflict != nil {
		return nil, &Error{Op: "acquire", Pid: pid, Range: r,
			Err: fmt.Errorf("%w: %v", ErrRangeConflict, conflict.r)}
	}
	s.nextID++
	h := &held{r: r, id: s.nextID}
	t.ReplaceOrInsert(h)
	return &Guard{s: s, pid: pid, h: h}, nil
}

// Held 返回 pid 进程当前被持有的范围数
func (s *Space) Held(pid int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.held[pid]; t != nil {
		return t.Len()
	}
	return 0
}

// Forget 丢弃已退出进程的所有记录
func (s *Space) Forget(pid int) {
	s.mu.Lock()
	delete(s.held, pid)
	s.mu.Unlock()
}

// Range 返回守卫持有的范围
func (g *Guard) Range() Range {
	return g.h.r
}

// Release 释放范围，重复调用无副作用
func (g *Guard) Release() {
	if g == nil || g.s == nil {
		return
	}
	g.s.mu.Lock()
	if t := g.s.held[g.pid]; t != nil {
		t.Delete(g.h)
		if t.Len() == 0 {
			delete(g.s.held, g.pid)
		}
	}
	g.s.mu.Unlock()
	g.s = nil
}

// Read 读取整个范围
func (g *Guard) Read() ([]byte, error) {
	if g.s == nil {
		return nil, &Error{Op: "read", Pid: g.pid, Range: g.h.r, Err: unix.EBADF}
	}
	buf := make([]byte, g.h.r.Len)
	if err := g.s.read(g.pid, g.h.r.Start, buf); err != nil {
		return nil, &Error{Op: "read", Pid: g.pid, Range: g.h.r, Err: err}
	}
	return buf, nil
}

// Write 从范围起始处写入 data，data 不能超过范围长度
func (g *Guard) Write(data []byte) error {
	r := g.h.r
	switch {
	case g.s == nil:
		return &Error{Op: "write", Pid: g.pid, Range: r, Err: unix.EBADF}
	case r.Mode != ModeWrite:
		return &Error{Op: "write", Pid: g.pid, Range: r, Err: fmt.Errorf("%w: range held for read", ErrAccessDenied)}
	case len(data) > r.Len:
		return &Error{Op: "write", Pid: g.pid, Range: r, Err: unix.E2BIG}
	case len(data) == 0:
		return nil
	}
	if err := g.s.write(g.pid, r.Start, data); err != nil {
		return &Error{Op: "write", Pid: g.pid, Range: r, Err: err}
	}
	return nil
}

func (s *Space) read(pid int, addr uintptr, buf []byte) error {
	if !s.noVM {
		n, err := vmRead(pid, addr, buf)
		switch {
		case err == nil && n == len(buf):
			return nil
		case err == unix.ENOSYS:
			s.noVM = true
		case err != nil:
			return classify(err)
		default:
			return fmt.Errorf("%w: short read %d/%d", ErrAddressInvalid, n, len(buf))
		}
	}
	if _, err := ptraceRead(pid, addr, buf); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Space) write(pid int, addr uintptr, data []byte) error {
	if !s.noVM {
		n, err := vmWrite(pid, addr, data)
		switch {
		case err == nil && n == len(data):
			return nil
		case err == unix.ENOSYS:
			s.noVM = true
		case err == unix.EFAULT:
			// 只读映射，交给 POKEDATA
			addr += uintptr(n)
			data = data[n:]
		case err != nil:
			return classify(err)
		default:
			return fmt.Errorf("%w: short write %d/%d", ErrAddressInvalid, n, len(data))
		}
	}
	if _, err := ptraceWrite(pid, addr, data); err != nil {
		return classify(err)
	}
	return nil
}

// ReadString 读取以 NUL 结尾的字符串，最长 syscall.PathMax 字节
// 读取范围会被截断到连续可读映射的末尾
func (s *Space) ReadString(pid int, addr uintptr) (string, error) {
	maps, err := s.readMaps(pid)
	if err != nil {
		return "", &Error{Op: "readstr", Pid: pid, Range: Range{Start: addr, Mode: ModeRead}, Err: classify(mapsErr(err))}
	}
	l := extent(maps, addr)
	if l > syscall.PathMax {
		l = syscall.PathMax
	}
	r := Range{Start: addr, Len: l, Mode: ModeRead}
	if l <= 0 {
		return "", &Error{Op: "readstr", Pid: pid, Range: r, Err: ErrAddressInvalid}
	}
	g, err := s.Acquire(pid, r)
	if err != nil {
		return "", err
	}
	defer g.Release()

	buf := make([]byte, l)
	if err := s.readStr(pid, addr, buf); err != nil {
		return "", &Error{Op: "readstr", Pid: pid, Range: r, Err: err}
	}
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// readStr 逐页读取直到遇到 NUL
func (s *Space) readStr(pid int, addr uintptr, buf []byte) error {
	total := 0
	next := pageSize - int(addr%uintptr(pageSize))
	for len(buf) > 0 {
		if len(buf) < next {
			next = len(buf)
		}
		if err := s.read(pid, addr+uintptr(total), buf[:next]); err != nil {
			return err
		}
		if hasNull(buf[:next]) {
			break
		}
		total += next
		buf = buf[next:]
		next = pageSize
	}
	return nil
}

// mapsErr 将 /proc 读取错误转换为 errno，进程不存在时为 ESRCH
func mapsErr(err error) error {
	if errors.Is(err, unix.ENOENT) {
		return unix.ESRCH
	}
	return err
}
