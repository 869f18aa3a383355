// Package engine 提供进程内的 actor 运行时：每个 actor 拥有稳定的 ID、
// 按投递顺序处理的信号邮箱、原子的 signal-with-start、取消与运行超时，
// 以及带重试的 activity 执行。
//
// 运行时不做持久化，actor 状态只存在于内存中；需要持久化的事实应写入
// 外部存储（例如任务表）。
package engine
