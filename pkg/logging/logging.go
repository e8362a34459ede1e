// Package logging 配置 systrace 使用的 logrus 日志
//
// 启动器与命名空间中的追踪器可能写同一个日志文件，写入通过文件锁串行化。
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// Level 把命令行调试级别 0..5 映射为 logrus 级别，0 表示不输出
func Level(n int) (logrus.Level, bool) {
	switch {
	case n <= 0:
		return logrus.PanicLevel, false
	case n >= 5:
		return logrus.TraceLevel, true
	default:
		return []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel}[n-1], true
	}
}

// lockedWriter 在持有文件锁时追加写入
type lockedWriter struct {
	f    *os.File
	lock *flock.Flock
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	if err := w.lock.Lock(); err != nil {
		return 0, err
	}
	defer w.lock.Unlock()
	return w.f.Write(p)
}

func (w *lockedWriter) Close() error {
	return w.f.Close()
}

// Setup 配置 l 并返回关闭日志文件的函数
// file 为空时只输出到标准错误
func Setup(l *logrus.Logger, level int, file string) (func() error, error) {
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lv, on := Level(level)
	l.SetLevel(lv)
	if !on {
		l.SetOutput(io.Discard)
		return func() error { return nil }, nil
	}
	if file == "" {
		l.SetOutput(os.Stderr)
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	w := &lockedWriter{f: f, lock: flock.NewFlock(file + ".lock")}
	l.SetOutput(io.MultiWriter(os.Stderr, w))
	return w.Close, nil
}
