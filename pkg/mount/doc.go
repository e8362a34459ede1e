/*
Package mount 提供了在沙箱的挂载命名空间中执行挂载的功能

沙箱的 pid 1 在新的挂载命名空间中重新挂载 /proc，使 /proc 与新的 pid 命名空间一致：

	err := mount.NewBuilder().
		WithProcRW(true).
		Mount()
*/
package mount
