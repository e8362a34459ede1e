package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zqzqsb/systrace/config"
	"github.com/zqzqsb/systrace/pkg/forkexec"
	"github.com/zqzqsb/systrace/pkg/logging"
	"github.com/zqzqsb/systrace/runner"
	"github.com/zqzqsb/systrace/runner/unshare"
)

// stringList 是可重复的字符串参数
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// runCmd 实现 "run"：创建命名空间并以 boot 重新执行自身
type runCmd struct {
	configFile  string
	debug       int
	libraryPath stringList
	envAll      bool
	env         stringList
	logFile     string
	exitPolicy  string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a program under the tracer" }
func (*runCmd) Usage() string {
	return `run [flags] PROGRAM [ARGS...]
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configFile, "config", "", "TOML configuration file")
	f.IntVar(&r.debug, "debug", 0, "log level 0..5 (0 off, 5 trace)")
	f.Var(&r.libraryPath, "library-path", "directory searched for the preload libraries, repeatable")
	f.BoolVar(&r.envAll, "env-all", false, "pass the whole environment to the program")
	f.Var(&r.env, "env", "KEY=VALUE set in the program environment, repeatable")
	f.StringVar(&r.logFile, "log-file", "", "also write logs to this file")
	f.StringVar(&r.exitPolicy, "exit-policy", "", `"root" or "last"`)
}

// load 读取配置文件并应用显式给出的参数
func (r *runCmd) load(f *flag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if r.configFile != "" {
		var err error
		if cfg, err = config.Load(r.configFile); err != nil {
			return cfg, err
		}
	}
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "debug":
			cfg.Debug = r.debug
		case "library-path":
			cfg.LibraryPath = r.libraryPath
		case "env-all":
			cfg.EnvAll = r.envAll
		case "env":
			cfg.Env = append(cfg.Env, r.env...)
		case "log-file":
			cfg.LogFile = r.logFile
		case "exit-policy":
			cfg.ExitPolicy = r.exitPolicy
		}
	})
	return cfg, cfg.Validate()
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := r.load(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	closeLog, err := logging.Setup(logrus.StandardLogger(), cfg.Debug, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return runner.RunnerErrorCode
	}
	defer closeLog()
	log := logrus.WithField("cmd", "run")

	// 在创建命名空间之前报告缺失的库与程序
	var preload []string
	var libDir string
	if !cfg.NoInject {
		if preload, libDir, err = cfg.ResolveLibraries(); err != nil {
			return fatal(err)
		}
	}
	env := cfg.BuildEnv(os.Environ(), preload, libDir)
	prog, err := forkexec.LookPath(f.Arg(0), env)
	if err != nil {
		return fatal(err)
	}

	bootArgs, err := cfg.Args()
	if err != nil {
		return fatal(err)
	}
	args := append([]string{"/proc/self/exe", "boot"}, bootArgs...)
	args = append(args, "--", prog)
	args = append(args, f.Args()[1:]...)
	log.Debugf("boot %s %v", prog, f.Args()[1:])

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	sandbox := &unshare.Runner{
		Args:  args,
		Env:   os.Environ(),
		Files: []uintptr{0, 1, 2},
		Log:   log,
	}
	res := sandbox.Run(ctx)
	log.WithField("exit", res.ExitCode()).Debugf("%v", res)
	if res.Status == runner.StatusRunnerError {
		return fatal(fmt.Errorf("sandbox: %s", res.Error))
	}
	return subcommands.ExitStatus(res.ExitCode())
}

// stderr 是致命错误的输出
var stderr io.Writer = os.Stderr

// fatal 把无法启动程序的错误写到标准错误，不受日志级别影响
func fatal(err error) subcommands.ExitStatus {
	fmt.Fprintln(stderr, "systrace:", err)
	return runner.RunnerErrorCode
}
