package hooks

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zqzqsb/systrace/pkg/remote"
)

// maxInsnLen 是 x86 指令的最大长度
const maxInsnLen = 15

// ErrLibraryNotMapped 表示注入库尚未映射到目标进程
var ErrLibraryNotMapped = errors.New("hooks: library not mapped")

// Verify 反汇编 code 开头的一条指令，检查它是否与 kind 匹配，返回指令长度
func Verify(code []byte, kind Kind) (int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("hooks: decode: %w", err)
	}
	var want x86asm.Op
	switch kind {
	case KindSyscall:
		want = x86asm.SYSCALL
	case KindCall:
		want = x86asm.CALL
	default:
		return 0, fmt.Errorf("hooks: invalid kind %d", int(kind))
	}
	if inst.Op != want {
		return 0, fmt.Errorf("hooks: expect %v, got %v", want, inst)
	}
	return inst.Len, nil
}

/*
	Resolve 将拦截表解析到 pid 进程中

实现细节：
  - 从 /proc/<pid>/maps 中查找 lib 的加载基址（偏移为 0 的映射）
  - 对每一项读取目标地址处的指令并校验
  - 校验失败的项记录日志后丢弃

参数：
  - s: 远程内存访问层
  - pid: 目标进程，必须处于停止状态
  - lib: 注入库文件名，如 libsystrace.so
  - table: 拦截表
  - log: 日志

返回值：
  - []Site: 校验通过的拦截点
  - error: 库未映射或无法读取 maps
*/
func Resolve(s *remote.Space, pid int, lib string, table []Hook, log logrus.FieldLogger) ([]Site, error) {
	maps, err := remote.ReadMaps(pid)
	if err != nil {
		return nil, err
	}
	base, ok := remote.FindLibrary(maps, lib)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotMapped, lib)
	}
	sites := make([]Site, 0, len(table))
	for _, h := range table {
		addr := base.Start + uintptr(h.Offset)
		n, err := verifyRemote(s, pid, maps, addr, h.Kind)
		if err != nil {
			log.WithField("hook", h).Warnf("drop hook: %v", err)
			continue
		}
		sites = append(sites, Site{Hook: h, Addr: addr, Len: n})
	}
	return sites, nil
}

func verifyRemote(s *remote.Space, pid int, maps []remote.Mapping, addr uintptr, kind Kind) (int, error) {
	l := 0
	for _, m := range maps {
		if m.Contains(addr) {
			l = int(m.End - addr)
			break
		}
	}
	if l == 0 {
		return 0, fmt.Errorf("%#x: %w", addr, remote.ErrAddressInvalid)
	}
	if l > maxInsnLen {
		l = maxInsnLen
	}
	g, err := s.Acquire(pid, remote.Range{Start: addr, Len: l, Mode: remote.ModeRead})
	if err != nil {
		return 0, err
	}
	defer g.Release()
	code, err := g.Read()
	if err != nil {
		return 0, err
	}
	return Verify(code, kind)
}
