package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/hooks"
	"github.com/zqzqsb/systrace/ptracer"
)

const sample = `
debug = 3
env_all = true
env = ["A=1", "B=2"]
exit_policy = "last"
trace_exit = true

[seccomp]
allow = ["read", "write"]

[policy]
readable = ["/usr/"]
syscall_limits = { fork = 10 }
suppress_signals = ["SIGINT", "term"]

[[hooks]]
offset = 0x1234
kind = "syscall"

[[hooks]]
offset = 0x40
kind = "call"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	p := writeFile(t, t.TempDir(), "systrace.toml", sample)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Debug = 3
	want.EnvAll = true
	want.Env = []string{"A=1", "B=2"}
	want.ExitPolicy = "last"
	want.TraceExit = true
	want.Seccomp.Allow = []string{"read", "write"}
	want.Policy = Policy{
		Readable:        []string{"/usr/"},
		SyscallLimits:   map[string]int{"fork": 10},
		SuppressSignals: []string{"SIGINT", "term"},
	}
	want.Hooks = []hooks.Hook{{Offset: 0x1234, Kind: hooks.KindSyscall}, {Offset: 0x40, Kind: hooks.KindCall}}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Load() (-want +got):\n%s", diff)
	}

	sigs, err := c.Policy.Signals()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]unix.Signal{unix.SIGINT, unix.SIGTERM}, sigs); diff != "" {
		t.Errorf("Signals() (-want +got):\n%s", diff)
	}
}

func TestLoadUnknownKey(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bad.toml", "debgu = 1\n")
	if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "debgu") {
		t.Errorf("Load() = %v, want unknown key error", err)
	}
}

func TestArgsRoundTrip(t *testing.T) {
	p := writeFile(t, t.TempDir(), "systrace.toml", sample)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	args, err := c.Args()
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 2 || args[0] != "-"+DataFlag {
		t.Fatalf("Args() = %q", args)
	}
	got, err := Decode(args[1])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errStr string
	}{
		{"default", func(*Config) {}, ""},
		{"debug", func(c *Config) { c.Debug = 6 }, "debug level"},
		{"exit policy", func(c *Config) { c.ExitPolicy = "first" }, "exit policy"},
		{"seccomp", func(c *Config) { c.Seccomp.Default = "maybe" }, "seccomp action"},
		{"env", func(c *Config) { c.Env = []string{"NOVALUE"} }, "KEY=VALUE"},
		{"signal", func(c *Config) { c.Policy.SuppressSignals = []string{"SIGFOO"} }, "unknown signal"},
		{"limit", func(c *Config) { c.Policy.SyscallLimits = map[string]int{"fork": -1} }, "negative limit"},
		{"allow name", func(c *Config) { c.Seccomp.Allow = []string{"read", "frobnicate"} }, `unknown syscall "frobnicate"`},
		{"limit name", func(c *Config) { c.Policy.SyscallLimits = map[string]int{"forks": 1} }, `unknown syscall "forks"`},
		{"duplicate allow", func(c *Config) { c.Seccomp.Allow = []string{"read", "write", "read"} }, `duplicate syscall "read"`},
		{"host proc", func(c *Config) { c.MountProc = false }, "mount_proc = false"},
		{"host proc without injection", func(c *Config) { c.MountProc = false; c.NoInject = true }, ""},
		{"hook", func(c *Config) { c.Hooks = []hooks.Hook{{Offset: 1}} }, "no kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			if tt.errStr == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errStr) {
				t.Errorf("Validate() = %v, want %q", err, tt.errStr)
			}
		})
	}
}

func TestParseExitPolicy(t *testing.T) {
	for s, want := range map[string]ptracer.ExitPolicy{"": ptracer.ExitRoot, "root": ptracer.ExitRoot, "last": ptracer.ExitLast} {
		got, err := ParseExitPolicy(s)
		if err != nil || got != want {
			t.Errorf("ParseExitPolicy(%q) = %v, %v", s, got, err)
		}
	}
}

func TestBuildEnv(t *testing.T) {
	base := []string{"HOME=/root", "PATH=/usr/local/bin", "LD_PRELOAD=/opt/a.so"}
	preload := []string{"/lib/libechotool.so", "/lib/libsystrace.so"}
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "clean",
			cfg:  Config{},
			want: []string{
				"PATH=/bin:/usr/bin",
				"LD_PRELOAD=/lib/libechotool.so:/lib/libsystrace.so",
				"SYSTRACE_LIBRARY_PATH=/lib",
			},
		},
		{
			name: "env all",
			cfg:  Config{EnvAll: true, Env: []string{"HOME=/tmp", "X=1"}},
			want: []string{
				"HOME=/tmp",
				"PATH=/usr/local/bin",
				"LD_PRELOAD=/opt/a.so:/lib/libechotool.so:/lib/libsystrace.so",
				"X=1",
				"SYSTRACE_LIBRARY_PATH=/lib",
			},
		},
		{
			name: "override path",
			cfg:  Config{Env: []string{"PATH=/opt/bin"}},
			want: []string{
				"PATH=/opt/bin",
				"LD_PRELOAD=/lib/libechotool.so:/lib/libsystrace.so",
				"SYSTRACE_LIBRARY_PATH=/lib",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := append([]string(nil), base...)
			got := tt.cfg.BuildEnv(b, preload, "/lib")
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("BuildEnv() (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveLibraries(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib")
	if err := os.Mkdir(lib, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, lib, LibraryName, "")
	writeFile(t, dir, "libechotool.so", "")

	c := Config{LibraryPath: []string{lib, dir}, Libraries: []string{"libechotool.so"}}
	got, libDir, err := c.ResolveLibraries()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "libechotool.so"), filepath.Join(lib, LibraryName)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveLibraries() (-want +got):\n%s", diff)
	}
	if libDir != lib {
		t.Errorf("library dir = %q, want %q", libDir, lib)
	}

	c.LibraryPath = []string{dir}
	if _, _, err := c.ResolveLibraries(); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing library: %v, want fs.ErrNotExist", err)
	}
}
