package libseccomp

import (
	"encoding/binary"
	"testing"

	seccompbpf "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

var (
	defaultSyscallAllows = []string{
		"read", "write", "readv", "writev", "close", "fstat", "lseek", "dup", "dup2", "dup3", "ioctl", "fcntl", "fadvise64",
		"mmap", "mprotect", "munmap", "brk", "mremap", "msync", "mincore", "madvise",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigpending", "sigaltstack",
		"getcwd", "exit", "exit_group", "arch_prctl",
		"gettimeofday", "getrlimit", "getrusage", "times", "time", "clock_gettime", "restart_syscall",
	}

	defaultSyscallTraces = []string{
		"open", "openat", "unlink", "unlinkat", "readlink", "readlinkat", "lstat", "stat", "access", "faccessat",
	}

	testMarkers = &Markers{Untraced: 0x70000002, Traced: 0x70000006}
)

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name    string
		builder Builder
		wantErr bool
	}{
		{
			name: "basic",
			builder: Builder{
				Allow:   []string{"read", "write", "exit"},
				Trace:   []string{"open", "close"},
				Default: ActionKill,
			},
		},
		{
			name: "empty allow list",
			builder: Builder{
				Trace:   []string{"open"},
				Default: ActionKill,
			},
		},
		{
			name:    "markers only",
			builder: Builder{Default: ActionTrace, Markers: testMarkers},
		},
		{
			name: "invalid syscall",
			builder: Builder{
				Allow:   []string{"invalid_syscall"},
				Default: ActionKill,
			},
			wantErr: true,
		},
		{
			name: "duplicate syscalls",
			builder: Builder{
				Allow:   []string{"read", "read"},
				Default: ActionKill,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := tt.builder.Build()
			if (err != nil) != tt.wantErr {
				t.Errorf("Builder.Build() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(filter) == 0 {
				t.Error("Builder.Build() returned empty filter without error")
			}
		})
	}
}

// seccompData 按 bpf.VM 的读取方式（大端）编码 seccomp_data
func seccompData(nr int, arch uint32, ip uint64) []byte {
	b := make([]byte, 64)
	binary.BigEndian.PutUint32(b[0:], uint32(nr))
	binary.BigEndian.PutUint32(b[4:], arch)
	binary.BigEndian.PutUint32(b[8:], uint32(ip))
	binary.BigEndian.PutUint32(b[12:], uint32(ip>>32))
	return b
}

func TestMarkerFilter(t *testing.T) {
	b := Builder{
		Allow:   []string{"getpid"},
		Default: ActionTrace,
		Markers: testMarkers,
	}
	prog, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		t.Fatal(err)
	}

	const (
		allow = int(seccompbpf.ActionAllow)
		trace = int(seccompbpf.ActionTrace)
		kill  = int(seccompbpf.ActionKillProcess)
	)
	tests := []struct {
		name string
		nr   int
		arch uint32
		ip   uint64
		want int
	}{
		{"execve always allowed", unix.SYS_EXECVE, unix.AUDIT_ARCH_X86_64, 0x401000, allow},
		{"untraced marker", unix.SYS_OPENAT, unix.AUDIT_ARCH_X86_64, testMarkers.Untraced, allow},
		{"traced marker", unix.SYS_GETPID, unix.AUDIT_ARCH_X86_64, testMarkers.Traced, trace},
		{"policy allow", unix.SYS_GETPID, unix.AUDIT_ARCH_X86_64, 0x401000, allow},
		{"policy default", unix.SYS_OPENAT, unix.AUDIT_ARCH_X86_64, 0x401000, trace},
		{"high word differs", unix.SYS_OPENAT, unix.AUDIT_ARCH_X86_64, 0x1_7000_0002, trace},
		{"next to marker", unix.SYS_OPENAT, unix.AUDIT_ARCH_X86_64, testMarkers.Untraced + 1, trace},
		{"foreign arch", unix.SYS_GETPID, unix.AUDIT_ARCH_I386, testMarkers.Untraced, kill},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vm.Run(seccompData(tt.nr, tt.arch, tt.ip))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("filter returned %#x, want %#x", got, tt.want)
			}
		})
	}
}

// 没有任何系统调用组时，程序仍要以返回指令结尾
func TestDefaultOnlyFilter(t *testing.T) {
	const (
		trace = int(seccompbpf.ActionTrace)
		allow = int(seccompbpf.ActionAllow)
		kill  = int(seccompbpf.ActionKillProcess)
	)
	tests := []struct {
		name    string
		markers *Markers
		nr      int
		arch    uint32
		ip      uint64
		want    int
	}{
		{"plain", nil, unix.SYS_GETPID, unix.AUDIT_ARCH_X86_64, 0x401000, trace},
		{"plain foreign arch", nil, unix.SYS_GETPID, unix.AUDIT_ARCH_I386, 0x401000, kill},
		{"markers", testMarkers, unix.SYS_GETPID, unix.AUDIT_ARCH_X86_64, 0x401000, trace},
		{"markers untraced", testMarkers, unix.SYS_GETPID, unix.AUDIT_ARCH_X86_64, testMarkers.Untraced, allow},
		{"markers execve", testMarkers, unix.SYS_EXECVE, unix.AUDIT_ARCH_X86_64, 0x401000, allow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Builder{Default: ActionTrace, Markers: tt.markers}
			prog, err := b.Assemble()
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := prog[len(prog)-1].(bpf.RetConstant); !ok {
				t.Fatalf("program ends with %v", prog[len(prog)-1])
			}
			vm, err := bpf.NewVM(prog)
			if err != nil {
				t.Fatal(err)
			}
			got, err := vm.Run(seccompData(tt.nr, tt.arch, tt.ip))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("filter returned %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestToSeccompAction(t *testing.T) {
	tests := []struct {
		name string
		act  Action
		want seccompbpf.Action
	}{
		{"allow", ActionAllow, seccompbpf.ActionAllow},
		{"errno", ActionErrno, seccompbpf.ActionErrno},
		{"trace", ActionTrace, seccompbpf.ActionTrace},
		{"kill", Action(99), seccompbpf.ActionKillProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToSeccompAction(tt.act); got != tt.want {
				t.Errorf("ToSeccompAction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToSyscallName(t *testing.T) {
	n, err := ToSyscallName(unix.SYS_OPENAT)
	if err != nil || n != "openat" {
		t.Errorf("ToSyscallName(openat) = %q, %v", n, err)
	}
	if _, err := ToSyscallName(100000); err == nil {
		t.Error("expected error for unknown syscall")
	}
	no, err := ToSyscallNo("openat")
	if err != nil || no != unix.SYS_OPENAT {
		t.Errorf("ToSyscallNo(openat) = %d, %v", no, err)
	}
	if _, err := ToSyscallNo("no_such_call"); err == nil {
		t.Error("expected error for unknown name")
	}
}

// BenchmarkBuildFilter 测试过滤器构建的性能
func BenchmarkBuildFilter(b *testing.B) {
	builder := Builder{
		Allow:   defaultSyscallAllows,
		Trace:   defaultSyscallTraces,
		Default: ActionTrace,
		Markers: testMarkers,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := builder.Build(); err != nil {
			b.Fatal(err)
		}
	}
}
