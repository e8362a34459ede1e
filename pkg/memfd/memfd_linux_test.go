package memfd

import (
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSharedReopen(t *testing.T) {
	s, err := NewShared("test", 4096)
	if err != nil {
		t.Skip("memfd not supported:", err)
	}
	defer s.Close()

	// 通过 /proc/self/fd 重新打开并映射，两个映射看到同一内容
	path := fmt.Sprintf("/proc/self/fd/%d", s.Fd())
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(mem)

	s.Mem[100] = 42
	if mem[100] != 42 {
		t.Errorf("shared mapping not coherent: %d", mem[100])
	}
}

func TestSharedSealed(t *testing.T) {
	s, err := NewShared("test", 4096)
	if err != nil {
		t.Skip("memfd not supported:", err)
	}
	defer s.Close()
	if err := s.File.Truncate(8192); err == nil {
		t.Error("grow succeeded on sealed memfd")
	}
	if err := s.File.Truncate(0); err == nil {
		t.Error("shrink succeeded on sealed memfd")
	}
}
