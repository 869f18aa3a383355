// Package humantask 实现人工任务的协调协议：按内容哈希去重、
// 原子的 signal-or-start 以及把人工结果广播给所有等待方。
//
// 每个去重键对应一个协调者 actor，其 ID 与任务表中的行 ID 相同。
package humantask
