package mount

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestString(t *testing.T) {
	tests := []struct {
		m    Mount
		want string
	}{
		{Mount{Source: "/usr", Target: "usr", Flags: unix.MS_BIND | unix.MS_RDONLY}, "bind[/usr:usr:ro]"},
		{Mount{Source: "tmpfs", Target: "/tmp", FsType: "tmpfs"}, "tmpfs[/tmp]"},
		{Mount{Source: "proc", Target: "/proc", FsType: "proc"}, "proc[rw]"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBuilder(t *testing.T) {
	b := NewBuilder().WithProcRW(false)
	if len(b.Mounts) != 1 {
		t.Fatalf("mounts = %v", b.Mounts)
	}
	m := b.Mounts[0]
	if m.Target != "/proc" || !m.IsReadOnly() || m.IsBindMount() {
		t.Errorf("proc mount = %+v", m)
	}
	if got := b.String(); got != "Mounts: proc[ro]" {
		t.Errorf("String() = %q", got)
	}
}
