package remote

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func fakeSpace(maps ...Mapping) *Space {
	s := NewSpace()
	s.readMaps = func(int) ([]Mapping, error) {
		return maps, nil
	}
	return s
}

func TestParseMaps(t *testing.T) {
	const text = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
00651000-00652000 rw-p 00051000 08:02 173521      /usr/bin/dbus-daemon
7f1c2a000000-7f1c2a021000 rw-p 00000000 00:00 0
7ffd5a1e4000-7ffd5a205000 rw-p 00000000 00:00 0                          [stack]
7f0000000000-7f0000001000 r--p 00000000 08:02 99    /tmp/with space (deleted)
`
	got, err := ParseMaps(strings.NewReader(text))
	if err != nil {
		t.Fatal(err)
	}
	want := []Mapping{
		{Start: 0x400000, End: 0x452000, Perms: "r-xp", Path: "/usr/bin/dbus-daemon"},
		{Start: 0x651000, End: 0x652000, Perms: "rw-p", Offset: 0x51000, Path: "/usr/bin/dbus-daemon"},
		{Start: 0x7f1c2a000000, End: 0x7f1c2a021000, Perms: "rw-p"},
		{Start: 0x7ffd5a1e4000, End: 0x7ffd5a205000, Perms: "rw-p", Path: "[stack]"},
		{Start: 0x7f0000000000, End: 0x7f0000001000, Perms: "r--p", Path: "/tmp/with space (deleted)"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseMaps() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMapsMalformed(t *testing.T) {
	if _, err := ParseMaps(strings.NewReader("zzzz r-xp\n")); err == nil {
		t.Error("ParseMaps() accepted a malformed line")
	}
}

func TestCovered(t *testing.T) {
	maps := []Mapping{
		{Start: 0x1000, End: 0x3000, Perms: "r--p"},
		{Start: 0x3000, End: 0x4000, Perms: "rw-p"},
		{Start: 0x8000, End: 0x9000, Perms: "---p"},
	}
	tests := []struct {
		name       string
		start, end uintptr
		want       bool
	}{
		{"inside", 0x1100, 0x1200, true},
		{"adjacent mappings", 0x2f00, 0x3100, true},
		{"exact", 0x1000, 0x4000, true},
		{"hole", 0x3f00, 0x8100, false},
		{"before", 0x0, 0x10, false},
		{"after", 0x9000, 0x9001, false},
		{"empty", 0x1000, 0x1000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := covered(maps, tt.start, tt.end); got != tt.want {
				t.Errorf("covered(%#x, %#x) = %v, want %v", tt.start, tt.end, got, tt.want)
			}
		})
	}
	if got := extent(maps, 0x2000); got != 0x2000 {
		t.Errorf("extent() = %#x, want %#x", got, 0x2000)
	}
	if got := extent(maps, 0x8000); got != 0 {
		t.Errorf("extent() of unreadable mapping = %#x, want 0", got)
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Start: 0x100, Len: 0x10, Mode: ModeWrite}
	tests := []struct {
		name string
		b    Range
		want bool
	}{
		{"same", a, true},
		{"touching before", Range{Start: 0xf0, Len: 0x10}, false},
		{"touching after", Range{Start: 0x110, Len: 0x10}, false},
		{"inner", Range{Start: 0x104, Len: 1}, true},
		{"outer", Range{Start: 0x0, Len: 0x1000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps(%v) = %v, want %v", tt.b, got, tt.want)
			}
			if got := tt.b.Overlaps(a); got != tt.want {
				t.Errorf("Overlaps is not symmetric for %v", tt.b)
			}
		})
	}
}

func TestAcquireConflict(t *testing.T) {
	s := fakeSpace(Mapping{Start: 0x1000, End: 0x10000, Perms: "rw-p"})
	const pid = 42

	w, err := s.Acquire(pid, Range{Start: 0x2000, Len: 0x100, Mode: ModeWrite})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		r    Range
		want error
	}{
		{"overlapping write", Range{Start: 0x20f0, Len: 0x100, Mode: ModeWrite}, ErrRangeConflict},
		{"overlapping read", Range{Start: 0x1f00, Len: 0x101, Mode: ModeRead}, ErrRangeConflict},
		{"disjoint write", Range{Start: 0x2100, Len: 0x100, Mode: ModeWrite}, nil},
		{"unmapped", Range{Start: 0x10000, Len: 1, Mode: ModeRead}, ErrAddressInvalid},
		{"partially unmapped", Range{Start: 0xff00, Len: 0x200, Mode: ModeRead}, ErrAddressInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := s.Acquire(pid, tt.r)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Acquire(%v) = %v", tt.r, err)
				}
				g.Release()
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Acquire(%v) error = %v, want %v", tt.r, err, tt.want)
			}
			var re *Error
			if !errors.As(err, &re) || re.Pid != pid {
				t.Errorf("Acquire(%v) error is not a *remote.Error for pid %d: %v", tt.r, pid, err)
			}
		})
	}

	// 其他进程中的相同地址互不影响
	other, err := s.Acquire(pid+1, Range{Start: 0x2000, Len: 0x100, Mode: ModeWrite})
	if err != nil {
		t.Fatalf("Acquire() in another process = %v", err)
	}
	other.Release()

	w.Release()
	w.Release()
	if n := s.Held(pid); n != 0 {
		t.Fatalf("Held() after release = %d, want 0", n)
	}
	g, err := s.Acquire(pid, Range{Start: 0x20f0, Len: 0x100, Mode: ModeWrite})
	if err != nil {
		t.Fatalf("Acquire() after release = %v", err)
	}
	g.Release()
}

func TestSharedReaders(t *testing.T) {
	s := fakeSpace(Mapping{Start: 0x1000, End: 0x10000, Perms: "r--p"})
	var guards []*Guard
	for i := 0; i < 4; i++ {
		g, err := s.Acquire(1, Range{Start: 0x1000 + uintptr(i*8), Len: 64, Mode: ModeRead})
		if err != nil {
			t.Fatalf("reader %d: %v", i, err)
		}
		guards = append(guards, g)
	}
	if _, err := s.Acquire(1, Range{Start: 0x1010, Len: 8, Mode: ModeWrite}); !errors.Is(err, ErrRangeConflict) {
		t.Fatalf("write over readers error = %v, want ErrRangeConflict", err)
	}
	for _, g := range guards {
		g.Release()
	}
	if n := s.Held(1); n != 0 {
		t.Fatalf("Held() = %d, want 0", n)
	}
}

func TestAcquireConcurrentWriters(t *testing.T) {
	s := fakeSpace(Mapping{Start: 0x1000, End: 0x2000, Perms: "rw-p"})
	r := Range{Start: 0x1000, Len: 0x100, Mode: ModeWrite}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*Guard
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := s.Acquire(7, r)
			if err != nil {
				if !errors.Is(err, ErrRangeConflict) {
					t.Errorf("Acquire() = %v", err)
				}
				return
			}
			mu.Lock()
			granted = append(granted, g)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(granted) != 1 {
		t.Fatalf("granted %d overlapping write ranges, want 1", len(granted))
	}
}

func TestAcquireInvalid(t *testing.T) {
	s := fakeSpace(Mapping{Start: 0x1000, End: 0x2000, Perms: "rw-p"})
	for _, r := range []Range{
		{Start: 0x1000, Len: 0, Mode: ModeRead},
		{Start: 0x1000, Len: 8},
	} {
		if _, err := s.Acquire(1, r); !errors.Is(err, unix.EINVAL) {
			t.Errorf("Acquire(%v) = %v, want EINVAL", r, err)
		}
	}
}

func TestReadOnlyGuardWrite(t *testing.T) {
	s := fakeSpace(Mapping{Start: 0x1000, End: 0x2000, Perms: "rw-p"})
	g, err := s.Acquire(1, Range{Start: 0x1000, Len: 8, Mode: ModeRead})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Release()
	if err := g.Write([]byte{1}); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Write() through read guard = %v, want ErrAccessDenied", err)
	}
}

// 对自身进程做读写，process_vm_* 不需要 ptrace 附加
func TestRoundTripSelf(t *testing.T) {
	target := make([]byte, 3*pageSize)
	// 跨越页边界
	off := pageSize - 7
	addr := uintptr(unsafe.Pointer(&target[off]))
	data := []byte("round trip across a page boundary\x00")

	s := NewSpace()
	g, err := s.Acquire(os.Getpid(), Range{Start: addr, Len: len(data), Mode: ModeWrite})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Write(data); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	got, err := g.Read()
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}
	g.Release()

	if !bytes.Equal(got, data) {
		t.Errorf("Read() = %q, want %q", got, data)
	}
	if !bytes.Equal(target[off:off+len(data)], data) {
		t.Errorf("target memory = %q, want %q", target[off:off+len(data)], data)
	}

	str, err := s.ReadString(os.Getpid(), addr)
	if err != nil {
		t.Fatalf("ReadString() = %v", err)
	}
	if want := strings.TrimRight(string(data), "\x00"); str != want {
		t.Errorf("ReadString() = %q, want %q", str, want)
	}
}

func TestUnmappedSelf(t *testing.T) {
	s := NewSpace()
	_, err := s.Acquire(os.Getpid(), Range{Start: 0, Len: 16, Mode: ModeRead})
	if !errors.Is(err, ErrAddressInvalid) {
		t.Fatalf("Acquire(page zero) = %v, want ErrAddressInvalid", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{unix.EFAULT, ErrAddressInvalid},
		{unix.EIO, ErrAddressInvalid},
		{unix.EPERM, ErrAccessDenied},
		{unix.ESRCH, ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if got := classify(unix.EINVAL); got != unix.EINVAL {
		t.Errorf("classify(EINVAL) = %v, want EINVAL", got)
	}
}

func TestHasNull(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"empty buffer", []byte{}, false},
		{"no null", []byte("hello"), false},
		{"null at start", []byte{0, 1, 2, 3}, true},
		{"null at end", []byte{1, 2, 3, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasNull(tt.data); got != tt.want {
				t.Errorf("hasNull() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindLibrary(t *testing.T) {
	maps := []Mapping{
		{Start: 0x1000, End: 0x2000, Perms: "r--p", Path: "/usr/lib/libc.so.6"},
		{Start: 0x7000, End: 0x8000, Perms: "r-xp", Offset: 0x1000, Path: "/opt/lib/libsystrace.so"},
		{Start: 0x6000, End: 0x7000, Perms: "r--p", Path: "/opt/lib/libsystrace.so"},
	}
	m, ok := FindLibrary(maps, "libsystrace.so")
	if !ok || m.Start != 0x6000 {
		t.Fatalf("FindLibrary() = %+v, %v", m, ok)
	}
	if _, ok := FindLibrary(maps, "trace.so"); ok {
		t.Error("FindLibrary() matched a partial file name")
	}
}
