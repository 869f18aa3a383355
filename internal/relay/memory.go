package relay

import (
	"context"
	"sync"

	xerrors "HumanLoop/internal/errors"
)

var errQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))

// MemoryQueue 使用 channel 传递通知，适用于单进程部署与测试。
type MemoryQueue struct {
	ch        chan Notice
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Notice, size), done: make(chan struct{})}
}

// Publish 将通知写入队列。
func (q *MemoryQueue) Publish(ctx context.Context, notice Notice) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed
	case q.ch <- notice:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费通知，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case notice := <-q.ch:
					if err := handler(ctx, notice); shouldRequeue(err) {
						q.requeue(notice)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) requeue(notice Notice) {
	select {
	case <-q.done:
	case q.ch <- notice:
	default:
	}
}

// Close 关闭队列，正在运行的 Consume 随之返回。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
