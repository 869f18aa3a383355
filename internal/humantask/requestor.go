package humantask

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"HumanLoop/internal/engine"
	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/task"
)

// Requestor 是工作流请求人工任务的入口。
type Requestor struct {
	store         task.Store
	coordinator   *Coordinator
	runTimeout    time.Duration
	retry         *engine.RetryPolicy
	checkInterval time.Duration

	mu      sync.Mutex
	waiting map[string]int
}

// Option 定义 Requestor 的可选配置。
type Option func(*Requestor)

// WithRunTimeout 设置协调者与请求方 actor 的运行超时，默认 7 天。
func WithRunTimeout(d time.Duration) Option {
	return func(r *Requestor) {
		if d > 0 {
			r.runTimeout = d
		}
	}
}

// WithActivityRetry 覆盖提交与查询任务时使用的重试策略。
func WithActivityRetry(p engine.RetryPolicy) Option {
	return func(r *Requestor) {
		r.retry = &p
	}
}

// WithCompletionCheckInterval 设置协调者等待期间回查任务行的间隔，默认 30 秒。
func WithCompletionCheckInterval(d time.Duration) Option {
	return func(r *Requestor) {
		if d > 0 {
			r.checkInterval = d
		}
	}
}

// NewRequestor 构造 Requestor。
func NewRequestor(store task.Store, opts ...Option) *Requestor {
	r := &Requestor{
		store:         store,
		coordinator:   NewCoordinator(NewSubmitter(store)),
		runTimeout:    engine.DefaultRunTimeout,
		checkInterval: DefaultCompletionCheckInterval,
		waiting:       make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.coordinator.retry = r.retry
	r.coordinator.checkInterval = r.checkInterval
	return r
}

// Subscribers 返回已向指定任务键的协调者订阅、仍在等待广播的请求方数量。
func (r *Requestor) Subscribers(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting[key]
}

func (r *Requestor) track(key string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting[key] += delta
	if r.waiting[key] <= 0 {
		delete(r.waiting, key)
	}
}

func (r *Requestor) activityOptions() []engine.ActivityOption {
	if r.retry == nil {
		return nil
	}
	return []engine.ActivityOption{engine.WithActivityRetry(*r.retry)}
}

// RequestHumanTask 在调用方 actor 内请求人工任务并阻塞直到拿到结果。
//
// 相同类型与输入的请求共享同一行任务与同一个协调者；任务已完成时直接
// 返回保存的输出。失败以 *Failure 返回。
func (r *Requestor) RequestHumanTask(wf *engine.Workflow, taskType string, input any) (json.RawMessage, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return nil, err
	}
	key, err := DeterministicKey(taskType, raw)
	if err != nil {
		return nil, err
	}
	ctx := wf.Context()

	existing, err := engine.Activity(wf, ctx, "GetTask", func(ctx context.Context) (*task.Task, error) {
		row, err := r.store.GetTask(ctx, key)
		if stdErrors.Is(err, task.ErrNotFound) {
			return nil, nil
		}
		return row, err
	}, r.activityOptions()...)
	if err != nil {
		return nil, failureFrom(err)
	}
	if existing != nil && existing.Status == task.StatusCompleted {
		return existing.Output, nil
	}

	var result *Result
	wf.SetHandler(SignalCompleted, func(payload any) {
		if result != nil {
			return
		}
		if res, ok := resultFrom(payload); ok {
			result = &res
		}
	})

	opts := engine.StartOptions{ID: key, RunTimeout: r.runTimeout}
	if _, err := wf.SignalWithStart(ctx, opts, r.coordinator.Run(taskType, raw), SignalSubscribe, wf.ID()); err != nil {
		return nil, failureFrom(err)
	}
	r.track(key, 1)
	defer r.track(key, -1)
	if err := wf.Await(func() bool { return result != nil }); err != nil {
		return nil, failureFrom(err)
	}
	if result.Failure != nil {
		return nil, result.Failure
	}
	return result.Output, nil
}

// Request 以子 actor 的方式请求人工任务并把输出解码为 O。
// 子 actor ID 为 humanTask-<父 ID>-<type>-<uuid>，可在多个协程中并发调用。
func Request[I, O any](wf *engine.Workflow, r *Requestor, taskType string, input I) (O, error) {
	var out O
	opts := engine.StartOptions{
		ID:         fmt.Sprintf("humanTask-%s-%s-%s", wf.ID(), taskType, uuid.NewString()),
		RunTimeout: r.runTimeout,
	}
	value, err := wf.ExecuteChild(opts, func(child *engine.Workflow) (any, error) {
		return r.RequestHumanTask(child, taskType, input)
	})
	if err != nil {
		return out, err
	}
	raw, _ := value.(json.RawMessage)
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析人工任务 %s 的输出失败", taskType),
			xerrors.WithRetryable(false))
	}
	return out, nil
}

// Client 供不在 actor 内的调用方使用。
type Client struct {
	engine    *engine.Engine
	requestor *Requestor
}

// NewClient 构造 Client。
func NewClient(e *engine.Engine, r *Requestor) *Client {
	return &Client{engine: e, requestor: r}
}

// Request 启动一个临时请求方 actor 并等待人工结果。ctx 结束时取消该 actor，
// 但已登记的订阅不会撤回。
func (c *Client) Request(ctx context.Context, taskType string, input any) (json.RawMessage, error) {
	id := fmt.Sprintf("humanTask-client-%s-%s", taskType, uuid.NewString())
	handle, err := c.engine.Start(ctx, engine.StartOptions{ID: id, RunTimeout: c.requestor.runTimeout}, func(wf *engine.Workflow) (any, error) {
		return c.requestor.RequestHumanTask(wf, taskType, input)
	})
	if err != nil {
		return nil, err
	}
	value, err := handle.Result(ctx)
	if err != nil {
		if ctx.Err() != nil {
			_ = c.engine.Cancel(id)
		}
		return nil, err
	}
	raw, _ := value.(json.RawMessage)
	return raw, nil
}
