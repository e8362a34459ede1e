package forkexec

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// idMapFile 是 /proc/<pid> 下需要写入的一个文件，按写入顺序排列
type idMapFile struct {
	name    string
	content string
}

// idMapFiles 返回用户命名空间的映射文件
// setgroups 必须在 gid_map 之前写入；没有配置映射时把当前有效用户映射为 0
func idMapFiles(r *Runner) []idMapFile {
	uidMap := fmt.Sprintf("0 %d 1", unix.Geteuid())
	if r.UIDMappings != nil {
		uidMap = formatIDMappings(r.UIDMappings)
	}
	gidMap := fmt.Sprintf("0 %d 1", unix.Getegid())
	if r.GIDMappings != nil {
		gidMap = formatIDMappings(r.GIDMappings)
	}
	setgroups := setGIDDeny
	if r.GIDMappings != nil && r.GIDMappingsEnableSetgroups {
		setgroups = setGIDAllow
	}
	return []idMapFile{
		{"uid_map", uidMap},
		{"setgroups", string(setgroups)},
		{"gid_map", gidMap},
	}
}

// writeIDMaps 由父进程在子进程等待时调用
func writeIDMaps(r *Runner, pid int) error {
	for _, f := range idMapFiles(r) {
		if err := writeProcFile(fmt.Sprintf("/proc/%d/%s", pid, f.name), f.content); err != nil {
			return err
		}
	}
	return nil
}

// formatIDMappings 生成 "内部 ID 外部 ID 长度" 格式的多行映射
func formatIDMappings(idMap []syscall.SysProcIDMap) string {
	var b strings.Builder
	for _, m := range idMap {
		fmt.Fprintf(&b, "%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	return b.String()
}

// writeProcFile 一次写入整个内容，proc 的映射文件只接受单次 write
func writeProcFile(path, content string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	_, err = unix.Write(fd, []byte(content))
	if cerr := unix.Close(fd); err == nil {
		err = cerr
	}
	return err
}
