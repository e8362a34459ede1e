// Package memfd 提供了 Linux memfd（内存文件）的接口
//
// 追踪器用它创建与被追踪进程共享的状态页：页面在追踪器中以 MAP_SHARED 映射，
// 被追踪进程通过 /proc/<pid>/fd/<fd> 打开同一个 memfd 并映射到固定地址。
//
// 要求 Linux 内核版本 >= 3.17
package memfd
