package filehandler

import (
	"path/filepath"
)

// FileSet 在分层集合中存储文件权限
//
// 条目的三种形式：
//   - "/a/b"   只匹配该路径
//   - "/a/b/"  匹配该目录及其下所有路径
//   - "/a/b/*" 只匹配该目录的直接子项
type FileSet struct {
	Set        map[string]bool // 存储文件路径和权限标记
	SystemRoot bool            // 包含 "/"，即匹配所有路径
}

// FilePerm 存储应用于文件的权限
type FilePerm int

// FilePermWrite / Read / Stat 是权限常量
const (
	FilePermWrite FilePerm = iota + 1
	FilePermRead
	FilePermStat
)

// NewFileSet 创建新的文件集
func NewFileSet() FileSet {
	return FileSet{make(map[string]bool), false}
}

/*
	IsInSetSmart 判断 name 是否被集合覆盖

	fs.Add("/usr/bin/*")
	IsInSetSmart("/usr/bin/gcc"):
	1. level=0: 检查 "/usr/bin/gcc" 与 "/usr/bin/gcc/"
	2. level=1: 检查 "/usr/bin/" 与 "/usr/bin/*" <- 匹配
	3. 继续向上直到 "/"
*/
func (s *FileSet) IsInSetSmart(name string) bool {
	if s.SystemRoot {
		return true
	}
	if name == "" {
		return false
	}
	name = filepath.Clean(name)
	if s.Set[name] {
		return true
	}
	for level := 0; ; level++ {
		if s.Set[name+"/"] {
			return true
		}
		if level == 1 && s.Set[name+"/*"] {
			return true
		}
		parent := filepath.Dir(name)
		if parent == name {
			return false
		}
		name = parent
	}
}

// Add 将单个文件路径添加到 FileSet
func (s *FileSet) Add(name string) {
	if name == "/" {
		s.SystemRoot = true
	} else {
		s.Set[name] = true
	}
}

// AddRange 将多个文件添加到 FileSet
// 相对路径按 workPath 解析并视为目录
func (s *FileSet) AddRange(names []string, workPath string) {
	for _, n := range names {
		if filepath.IsAbs(n) {
			s.Add(n)
		} else {
			s.Set[filepath.Join(workPath, n)+"/"] = true
		}
	}
}

// FileSets 聚合写入/读取/状态/软禁止四种权限
// 不在集合中的访问返回 TraceKill；在软禁止集合中的返回 TraceEmulate（-EACCES）
type FileSets struct {
	Writable, Readable, Statable, SoftBan FileSet
}

// NewFileSets 创建新的 FileSets 结构
func NewFileSets() *FileSets {
	return &FileSets{NewFileSet(), NewFileSet(), NewFileSet(), NewFileSet()}
}

// AllowAll 返回允许任何访问的 FileSets
func AllowAll() *FileSets {
	s := NewFileSets()
	s.Writable.SystemRoot = true
	return s
}

// IsWritableFile 判断文件路径是否在写入集合中
func (s *FileSets) IsWritableFile(name string) bool {
	return s.Writable.IsInSetSmart(name) || s.Writable.IsInSetSmart(realPath(name))
}

// IsReadableFile 判断文件路径是否在读取/写入集合中
func (s *FileSets) IsReadableFile(name string) bool {
	return s.IsWritableFile(name) || s.Readable.IsInSetSmart(name) || s.Readable.IsInSetSmart(realPath(name))
}

// IsStatableFile 判断文件路径是否在状态查看集合中
func (s *FileSets) IsStatableFile(name string) bool {
	return s.IsReadableFile(name) || s.Statable.IsInSetSmart(name) || s.Statable.IsInSetSmart(realPath(name))
}

// IsSoftBanFile 判断文件路径是否在软禁止集合中
func (s *FileSets) IsSoftBanFile(name string) bool {
	return s.SoftBan.IsInSetSmart(name) || s.SoftBan.IsInSetSmart(realPath(name))
}

// AddFilePermission 根据给定的权限将文件添加到 fileSets
func (s *FileSets) AddFilePermission(name string, mode FilePerm) {
	switch mode {
	case FilePermWrite:
		s.Writable.Add(name)
	case FilePermRead:
		s.Readable.Add(name)
	case FilePermStat:
		s.Statable.Add(name)
	}
}

// realPath 解析符号链接，失败时返回原路径
func realPath(p string) string {
	if !filepath.IsAbs(p) {
		return p
	}
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}
