package task

import (
	"context"
	"encoding/json"
	"time"
)

// Store 抽象了可租约任务表的持久化接口。
//
// StartTask、HeartbeatTask、CompleteTask 各自在一个事务内完成读-改-写，
// 外部调用方不会观察到中间状态。assignee 参数为空时不做租约归属校验。
type Store interface {
	AddTask(ctx context.Context, id, taskType string, input json.RawMessage) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	StartTask(ctx context.Context, assignee string) (*Task, error)
	HeartbeatTask(ctx context.Context, id, assignee string) (*Task, error)
	CompleteTask(ctx context.Context, id, assignee string, output json.RawMessage) (*Task, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context) (TaskStats, error)
	Close() error
}

type storeOptions struct {
	now          func() time.Time
	leaseTimeout time.Duration
}

// StoreOption 定义存储实现的可选配置。
type StoreOption func(*storeOptions)

// WithClock 替换存储使用的时钟，测试中用于推进心跳窗口。
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLeaseTimeout 设置心跳失效窗口。
func WithLeaseTimeout(timeout time.Duration) StoreOption {
	return func(o *storeOptions) {
		if timeout > 0 {
			o.leaseTimeout = timeout
		}
	}
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	options := storeOptions{now: time.Now, leaseTimeout: DefaultLeaseTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}
