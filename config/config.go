// Package config 定义了 systrace 的配置：TOML 文件、命令行覆盖与被追踪进程的环境
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/pkg/hooks"
	"github.com/zqzqsb/systrace/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/systrace/ptracer"
)

// MaxDebug 是最高的调试级别（trace）
const MaxDebug = 5

// Seccomp 是过滤器中的策略部分，指令指针前缀总是存在
type Seccomp struct {
	// Allow 中的系统调用不经过追踪器
	Allow []string `toml:"allow"`
	// Default 是其余系统调用的动作：trace（默认）、allow、kill、errno
	Default string `toml:"default"`
}

// Policy 是追踪器侧的文件访问与计数策略
// 四个路径列表都为空时允许所有访问
type Policy struct {
	Readable []string `toml:"readable"`
	Writable []string `toml:"writable"`
	Statable []string `toml:"statable"`
	SoftBan  []string `toml:"soft_ban"`

	SyscallLimits map[string]int `toml:"syscall_limits"`

	// Unsafe 把终止转换为返回 -EACCES
	Unsafe bool `toml:"unsafe"`

	// SuppressSignals 中的信号不转发给被追踪进程，例如 "SIGINT"
	SuppressSignals []string `toml:"suppress_signals"`
}

// Config 是一次运行的完整配置
type Config struct {
	Debug       int      `toml:"debug"`
	LibraryPath []string `toml:"library_path"`
	Libraries   []string `toml:"libraries"`
	EnvAll      bool     `toml:"env_all"`
	Env         []string `toml:"env"`
	LogFile     string   `toml:"log_file"`
	ExitPolicy  string   `toml:"exit_policy"`
	Hostname    string   `toml:"hostname"`
	MountProc   bool     `toml:"mount_proc"`
	TraceExit   bool     `toml:"trace_exit"`
	NoInject    bool     `toml:"no_inject"`

	Seccomp Seccomp      `toml:"seccomp"`
	Policy  Policy       `toml:"policy"`
	Hooks   []hooks.Hook `toml:"hooks"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		LibraryPath: []string{"lib", "."},
		ExitPolicy:  "root",
		Hostname:    "systrace",
		MountProc:   true,
		Seccomp:     Seccomp{Default: "trace"},
	}
}

// Load 在默认配置之上解码 TOML 文件，未知的键视为错误
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if u := md.Undecoded(); len(u) > 0 {
		return c, fmt.Errorf("config: %s: unknown keys %v", path, u)
	}
	return c, nil
}

// Decode 解码由 Encode 生成的配置
func Decode(data string) (Config, error) {
	c := Default()
	if _, err := toml.Decode(data, &c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Encode 把配置编码为 TOML
func (c *Config) Encode() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return buf.String(), nil
}

// DataFlag 是 boot 子命令接收配置的参数名
const DataFlag = "config-data"

// Args 把配置序列化为 boot 子命令的参数
func (c *Config) Args() ([]string, error) {
	s, err := c.Encode()
	if err != nil {
		return nil, err
	}
	return []string{"-" + DataFlag, s}, nil
}

// Validate 检查配置中的取值
func (c *Config) Validate() error {
	var errs []string
	if c.Debug < 0 || c.Debug > MaxDebug {
		errs = append(errs, fmt.Sprintf("debug level %d out of range [0, %d]", c.Debug, MaxDebug))
	}
	if _, err := ParseExitPolicy(c.ExitPolicy); err != nil {
		errs = append(errs, err.Error())
	}
	if _, ok := libseccomp.ParseAction(c.Seccomp.Default); !ok {
		errs = append(errs, fmt.Sprintf("unknown seccomp action %q", c.Seccomp.Default))
	}
	for _, e := range c.Env {
		if k, _, ok := strings.Cut(e, "="); !ok || k == "" {
			errs = append(errs, fmt.Sprintf("env %q is not KEY=VALUE", e))
		}
	}
	if _, err := c.Policy.Signals(); err != nil {
		errs = append(errs, err.Error())
	}
	seen := make(map[string]bool, len(c.Seccomp.Allow))
	for _, name := range c.Seccomp.Allow {
		if _, err := libseccomp.ToSyscallNo(name); err != nil {
			errs = append(errs, err.Error())
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("duplicate syscall %q in seccomp.allow", name))
		}
		seen[name] = true
	}
	for name, n := range c.Policy.SyscallLimits {
		if n < 0 {
			errs = append(errs, fmt.Sprintf("negative limit %d for %s", n, name))
		}
		if _, err := libseccomp.ToSyscallNo(name); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for _, h := range c.Hooks {
		if h.Kind != hooks.KindSyscall && h.Kind != hooks.KindCall {
			errs = append(errs, fmt.Sprintf("hook at %#x has no kind", h.Offset))
		}
	}
	if len(c.LibraryPath) == 0 && !c.NoInject {
		errs = append(errs, "empty library path")
	}
	// 状态页通过 /proc/<追踪器 pid>/fd 打开，需要与 pid 命名空间一致的 /proc
	if !c.MountProc && !c.NoInject {
		errs = append(errs, "mount_proc = false requires no_inject = true")
	}
	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// ParseExitPolicy 解析 exit_policy
func ParseExitPolicy(s string) (ptracer.ExitPolicy, error) {
	switch s {
	case "", "root":
		return ptracer.ExitRoot, nil
	case "last":
		return ptracer.ExitLast, nil
	default:
		return 0, fmt.Errorf("unknown exit policy %q", s)
	}
}

// Signals 解析 suppress_signals
func (p Policy) Signals() ([]unix.Signal, error) {
	var ret []unix.Signal
	for _, s := range p.SuppressSignals {
		name := strings.ToUpper(s)
		if !strings.HasPrefix(name, "SIG") {
			name = "SIG" + name
		}
		sig := unix.SignalNum(name)
		if sig == 0 {
			return nil, fmt.Errorf("unknown signal %q", s)
		}
		ret = append(ret, sig)
	}
	return ret, nil
}

// AllowAllFiles 判断是否没有配置任何路径规则
func (p Policy) AllowAllFiles() bool {
	return len(p.Readable) == 0 && len(p.Writable) == 0 && len(p.Statable) == 0 && len(p.SoftBan) == 0
}
