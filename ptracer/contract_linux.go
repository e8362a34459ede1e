package ptracer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/hooks"
	"github.com/zqzqsb/systrace/pkg/memfd"
	"github.com/zqzqsb/systrace/pkg/remote"
	"github.com/zqzqsb/systrace/pkg/trampoline"
)

// Contract 是注入到每个新映像的内容
type Contract struct {
	// Library 是注入库的文件名，用于在 maps 中定位拦截表
	Library string
	// Hooks 是库内的拦截表，为空时不解析
	Hooks []hooks.Hook
}

// process 是一个映像的契约状态，fork 出的子进程共享父进程的状态页
type process struct {
	shm   *memfd.Shared
	state *trampoline.State

	sites     []hooks.Site
	hooksDone bool
}

func (p *process) close() {
	if p.shm != nil {
		p.shm.Close()
	}
}

/*
	inject 在 exec 后的新映像中建立契约

实现细节：
 1. 在追踪器中创建密封的 memfd 并初始化状态页
 2. 映射桩页，写入桩代码后改为 r-x
 3. 映射槽位页，在暂存区写入 memfd 的路径
 4. 被追踪进程打开该路径，以 MAP_SHARED 映射为状态页后关闭
 5. 把状态页地址写入 ProcessStateSlot

任一步失败时返回错误，进程继续以慢速路径运行，ReadySlot 保持为 0。
*/
func (s *Scheduler) inject(t *Task) (p *process, err error) {
	shm, err := memfd.NewShared(fmt.Sprintf("systrace-state-%d", t.Pid), trampoline.PageSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			shm.Close()
		}
	}()
	st, err := trampoline.InitState(shm.Mem)
	if err != nil {
		return nil, err
	}

	if err = s.mapFixed(t, trampoline.StubPage, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1); err != nil {
		return nil, fmt.Errorf("map stub page: %w", err)
	}
	if err = s.writeRemote(t.Pid, trampoline.StubPage, trampoline.StubCode); err != nil {
		return nil, fmt.Errorf("write stub code: %w", err)
	}
	if _, err = s.remoteSyscall(t, unix.SYS_MPROTECT, uint64(trampoline.StubPage), trampoline.PageSize, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("protect stub page: %w", err)
	}

	if err = s.mapFixed(t, trampoline.SlotPage, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1); err != nil {
		return nil, fmt.Errorf("map slot page: %w", err)
	}
	path := fmt.Sprintf("/proc/%d/fd/%d\x00", s.tracerPid, shm.Fd())
	if len(path) > trampoline.ScratchSize {
		return nil, fmt.Errorf("state path too long: %q", path)
	}
	if err = s.writeRemote(t.Pid, trampoline.ScratchSlot, []byte(path)); err != nil {
		return nil, fmt.Errorf("write state path: %w", err)
	}

	atFdcwd := int64(unix.AT_FDCWD)
	fd, err := s.remoteSyscall(t, unix.SYS_OPENAT, uint64(atFdcwd), uint64(trampoline.ScratchSlot), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open state memfd: %w", err)
	}
	err = s.mapFixed(t, trampoline.StatePage, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, int(fd))
	if _, cerr := s.remoteSyscall(t, unix.SYS_CLOSE, fd); cerr != nil && err == nil {
		err = fmt.Errorf("close state memfd: %w", cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("map state page: %w", err)
	}

	if err = s.writeRemote(t.Pid, trampoline.ProcessStateSlot, remote.PutUint64(uint64(trampoline.StatePage))); err != nil {
		return nil, fmt.Errorf("publish state page: %w", err)
	}
	return &process{shm: shm, state: st}, nil
}

// mapFixed 在 addr 处映射一页，地址已被占用时失败
func (s *Scheduler) mapFixed(t *Task, addr uintptr, prot, flags, fd int) error {
	fdv := int64(fd)
	ret, err := s.remoteSyscall(t, unix.SYS_MMAP, uint64(addr), trampoline.PageSize,
		uint64(prot), uint64(flags|unix.MAP_FIXED_NOREPLACE), uint64(fdv), 0)
	if err != nil {
		return err
	}
	// 旧内核不认识 MAP_FIXED_NOREPLACE，会把它当作提示
	if uintptr(ret) != addr {
		s.remoteSyscall(t, unix.SYS_MUNMAP, ret, trampoline.PageSize)
		return fmt.Errorf("mmap %#x: got %#x", addr, ret)
	}
	return nil
}

func (s *Scheduler) writeRemote(pid int, addr uintptr, data []byte) error {
	g, err := s.space.Acquire(pid, remote.Range{Start: addr, Len: len(data), Mode: remote.ModeWrite})
	if err != nil {
		return err
	}
	defer g.Release()
	return g.Write(data)
}

// resolveHooks 在注入库完成注册后解析一次拦截表
func (s *Scheduler) resolveHooks(t *Task) {
	p := t.proc
	if p.hooksDone || s.contract == nil || len(s.contract.Hooks) == 0 {
		return
	}
	g, err := s.space.Acquire(t.Pid, remote.Range{Start: trampoline.ReadySlot, Len: 8, Mode: remote.ModeRead})
	if err != nil {
		return
	}
	b, err := g.Read()
	g.Release()
	if err != nil || remote.Uint64(b) != 1 {
		return
	}
	p.hooksDone = true
	sites, err := hooks.Resolve(s.space, t.Pid, s.contract.Library, s.contract.Hooks, t.log)
	if err != nil {
		t.log.Warnf("failed to resolve hooks: %v", err)
		return
	}
	p.sites = sites
	t.log.Infof("%d/%d hook sites verified", len(sites), len(s.contract.Hooks))
}

// HookSites 返回任务当前映像中校验通过的拦截点，契约未注入或尚未解析时为空
//
// fork 出的任务与父任务共享同一份结果。
func (t *Task) HookSites() []hooks.Site {
	if t.proc == nil {
		return nil
	}
	return t.proc.sites
}
