package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/config"
	"github.com/zqzqsb/systrace/pkg/logging"
	"github.com/zqzqsb/systrace/pkg/mount"
	"github.com/zqzqsb/systrace/pkg/seccomp"
	"github.com/zqzqsb/systrace/pkg/seccomp/libseccomp"
	"github.com/zqzqsb/systrace/pkg/trampoline"
	"github.com/zqzqsb/systrace/ptracer"
	"github.com/zqzqsb/systrace/runner"
	"github.com/zqzqsb/systrace/runner/ptrace"
	"github.com/zqzqsb/systrace/runner/ptrace/filehandler"
)

// bootCmd 实现 "boot"：作为命名空间中的 pid 1 追踪程序，不应直接调用
type bootCmd struct {
	data string
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "launch the tracer inside the sandbox (internal)" }
func (*bootCmd) Usage() string {
	return `boot -config-data TOML -- PROGRAM [ARGS...]
`
}

func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.data, config.DataFlag, "", "serialized configuration")
}

func (b *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := config.Decode(b.data)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runner.RunnerErrorCode
	}
	closeLog, err := logging.Setup(logrus.StandardLogger(), cfg.Debug, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runner.RunnerErrorCode
	}
	defer closeLog()
	log := logrus.WithField("cmd", "boot")

	if os.Getpid() != 1 {
		log.Warnf("not running as pid 1 (pid %d)", os.Getpid())
	}
	if cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
			log.Warnf("sethostname: %v", err)
		}
	}
	if cfg.MountProc {
		if err := mount.NewBuilder().WithProcRW(true).Mount(); err != nil {
			return fatal(err)
		}
	}

	r, err := newTracee(&cfg, f.Args(), log)
	if err != nil {
		return fatal(err)
	}
	res := r.Run(ctx)
	if res.Status == runner.StatusRunnerError {
		return fatal(fmt.Errorf("tracer: %s", res.Error))
	}
	log.Infof("%v", res)
	return subcommands.ExitStatus(res.ExitCode())
}

// buildFilter 生成被追踪进程的过滤器：按标记分流后应用 [seccomp] 策略
func buildFilter(cfg *config.Config) (seccomp.Filter, error) {
	def, ok := libseccomp.ParseAction(cfg.Seccomp.Default)
	if !ok {
		return nil, fmt.Errorf("unknown seccomp action %q", cfg.Seccomp.Default)
	}
	builder := libseccomp.Builder{
		Allow:   cfg.Seccomp.Allow,
		Default: def,
		Markers: &libseccomp.Markers{
			Untraced: uint64(trampoline.UntracedMarker),
			Traced:   uint64(trampoline.TracedMarker),
		},
	}
	filter, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build seccomp filter: %w", err)
	}
	return filter, nil
}

// newTracee 按配置组装被追踪进程与追踪器
func newTracee(cfg *config.Config, args []string, log *logrus.Entry) (*ptrace.Runner, error) {
	var (
		preload []string
		libDir  string
		err     error
	)
	if !cfg.NoInject {
		if preload, libDir, err = cfg.ResolveLibraries(); err != nil {
			return nil, err
		}
	}
	env := cfg.BuildEnv(os.Environ(), preload, libDir)

	filter, err := buildFilter(cfg)
	if err != nil {
		return nil, err
	}

	fs := filehandler.AllowAll()
	if !cfg.Policy.AllowAllFiles() {
		fs = filehandler.NewFileSets()
		wd, _ := os.Getwd()
		fs.Readable.AddRange(cfg.Policy.Readable, wd)
		fs.Writable.AddRange(cfg.Policy.Writable, wd)
		fs.Statable.AddRange(cfg.Policy.Statable, wd)
		fs.SoftBan.AddRange(cfg.Policy.SoftBan, wd)
		// 预加载库与程序本身必须可读
		fs.Readable.AddRange(preload, wd)
		fs.Readable.Add(args[0])
	}
	counter := filehandler.NewSyscallCounter()
	counter.AddRange(cfg.Policy.SyscallLimits)

	sigs, err := cfg.Policy.Signals()
	if err != nil {
		return nil, err
	}
	policy, err := config.ParseExitPolicy(cfg.ExitPolicy)
	if err != nil {
		return nil, err
	}
	var contract *ptracer.Contract
	if !cfg.NoInject {
		contract = &ptracer.Contract{Library: config.LibraryName, Hooks: cfg.Hooks}
	}

	return &ptrace.Runner{
		Args:       args,
		Env:        env,
		Files:      []uintptr{0, 1, 2},
		Seccomp:    filter,
		Handler:    &filehandler.Handler{FileSet: fs, SyscallCounter: counter},
		Unsafe:     cfg.Policy.Unsafe,
		Suppress:   sigs,
		ExitPolicy: policy,
		TraceExit:  cfg.TraceExit,
		Contract:   contract,
		Log:        log,
	}, nil
}
