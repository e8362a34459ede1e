package remote

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mapping 是 /proc/<pid>/maps 中的一行
type Mapping struct {
	Start, End uintptr
	Perms      string // 例如 "r-xp"
	Offset     uint64
	Path       string // 匿名映射为空
}

// Readable 判断映射是否可读
func (m Mapping) Readable() bool {
	return len(m.Perms) > 0 && m.Perms[0] == 'r'
}

// Contains 判断地址是否落在映射内
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// ReadMaps 读取并解析目标进程的内存映射
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMaps(f)
}

/*
	ParseMaps 解析 maps 格式的文本

每行格式：

	7f1c2a000000-7f1c2a021000 r-xp 00000000 08:01 1234   /usr/lib/libc.so.6

路径可能包含空格，也可能带有 " (deleted)" 后缀，因此路径取第 6 列之后的全部内容。
*/
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var ret []Mapping
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("maps: malformed line %q", line)
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			return nil, fmt.Errorf("maps: malformed range %q", fields[0])
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		m := Mapping{
			Start:  uintptr(start),
			End:    uintptr(end),
			Perms:  fields[1],
			Offset: off,
		}
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		ret = append(ret, m)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// covered 判断 [start, end) 是否被一组（按地址升序的）映射完整覆盖
func covered(maps []Mapping, start, end uintptr) bool {
	if end <= start {
		return false
	}
	cur := start
	for _, m := range maps {
		if m.End <= cur {
			continue
		}
		if m.Start > cur {
			return false
		}
		cur = m.End
		if cur >= end {
			return true
		}
	}
	return false
}

// extent 返回从 addr 开始连续可读的字节数
func extent(maps []Mapping, addr uintptr) int {
	cur := addr
	for _, m := range maps {
		if m.End <= cur {
			continue
		}
		if m.Start > cur || !m.Readable() {
			break
		}
		cur = m.End
	}
	return int(cur - addr)
}

// FindLibrary 返回路径以 name 结尾的第一个映射（即库的加载基址所在映射）
func FindLibrary(maps []Mapping, name string) (Mapping, bool) {
	for _, m := range maps {
		if m.Path == "" {
			continue
		}
		if m.Path == name || strings.HasSuffix(m.Path, "/"+name) {
			if m.Offset == 0 {
				return m, true
			}
		}
	}
	return Mapping{}, false
}
