package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// LibraryName 是注入库的文件名
	LibraryName = "libsystrace.so"

	// DefaultPath 是未继承环境时被追踪进程的 PATH
	DefaultPath = "/bin:/usr/bin"

	// LibraryPathEnv 告知被追踪进程注入库所在的目录
	LibraryPathEnv = "SYSTRACE_LIBRARY_PATH"
)

// ResolveLibraries 在 library_path 中依次查找预加载库
// 额外的库排在 libsystrace.so 之前；返回绝对路径列表与 libsystrace.so 所在目录
func (c *Config) ResolveLibraries() ([]string, string, error) {
	names := append(append([]string(nil), c.Libraries...), LibraryName)
	var (
		ret []string
		dir string
	)
	for _, name := range names {
		p, err := findLibrary(c.LibraryPath, name)
		if err != nil {
			return nil, "", err
		}
		ret = append(ret, p)
		if name == LibraryName {
			dir = filepath.Dir(p)
		}
	}
	return ret, dir, nil
}

func findLibrary(dirs []string, name string) (string, error) {
	if filepath.IsAbs(name) {
		if fi, err := os.Stat(name); err == nil && fi.Mode().IsRegular() {
			return name, nil
		}
		return "", &fs.PathError{Op: "resolve library", Path: name, Err: fs.ErrNotExist}
	}
	for _, d := range dirs {
		p, err := filepath.Abs(filepath.Join(d, name))
		if err != nil {
			continue
		}
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", &fs.PathError{
		Op:   "resolve library",
		Path: name,
		Err:  fmt.Errorf("%w in %v", fs.ErrNotExist, dirs),
	}
}

// BuildEnv 构造被追踪进程的环境
//
// 实现细节：
//  1. env_all 时从 base 开始，否则只有 PATH=/bin:/usr/bin
//  2. 按顺序应用 env 覆盖
//  3. 把 preload 追加到 LD_PRELOAD，设置 SYSTRACE_LIBRARY_PATH
func (c *Config) BuildEnv(base []string, preload []string, libDir string) []string {
	var env []string
	if c.EnvAll {
		env = append(env, base...)
	} else {
		env = []string{"PATH=" + DefaultPath}
	}
	for _, kv := range c.Env {
		env = setEnv(env, kv)
	}
	if len(preload) > 0 {
		v := strings.Join(preload, ":")
		if old, ok := lookupEnv(env, "LD_PRELOAD"); ok && old != "" {
			v = old + ":" + v
		}
		env = setEnv(env, "LD_PRELOAD="+v)
	}
	if libDir != "" {
		env = setEnv(env, LibraryPathEnv+"="+libDir)
	}
	return env
}

func lookupEnv(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// setEnv 替换同名变量，没有时追加
func setEnv(env []string, kv string) []string {
	key, _, _ := strings.Cut(kv, "=")
	for i, e := range env {
		if k, _, ok := strings.Cut(e, "="); ok && k == key {
			env[i] = kv
			return env
		}
	}
	return append(env, kv)
}
