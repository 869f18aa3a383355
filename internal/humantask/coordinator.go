package humantask

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"HumanLoop/internal/engine"
	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/task"
)

// DefaultCompletionCheckInterval 是协调者在等待期间回查任务行的间隔。
// 完成通知可能被其它 worker 进程消费或因中继故障丢失，回查保证订阅方最终收到结果。
const DefaultCompletionCheckInterval = 30 * time.Second

// Coordinator 为每个去重键运行一个 actor：提交任务、等待人工结果，
// 然后把结果广播给所有订阅者。
type Coordinator struct {
	submitter     *Submitter
	retry         *engine.RetryPolicy
	checkInterval time.Duration
}

// NewCoordinator 构造 Coordinator。
func NewCoordinator(submitter *Submitter) *Coordinator {
	return &Coordinator{
		submitter:     submitter,
		checkInterval: DefaultCompletionCheckInterval,
	}
}

type coordinatorState struct {
	subscribers []string
	subscribed  map[string]struct{}
	notified    map[string]struct{}
	result      *Result
}

func (s *coordinatorState) subscribe(payload any) {
	id, ok := payload.(string)
	if !ok || id == "" {
		return
	}
	if _, dup := s.subscribed[id]; dup {
		return
	}
	s.subscribed[id] = struct{}{}
	s.subscribers = append(s.subscribers, id)
}

func (s *coordinatorState) complete(payload any) {
	if s.result != nil {
		return
	}
	if r, ok := resultFrom(payload); ok {
		s.result = &r
	}
}

// Run 返回协调者 actor 的主体函数。actor ID 即任务 ID。
func (c *Coordinator) Run(taskType string, input json.RawMessage) engine.Func {
	return func(wf *engine.Workflow) (value any, err error) {
		key := wf.ID()
		state := &coordinatorState{
			subscribed: make(map[string]struct{}),
			notified:   make(map[string]struct{}),
		}
		log := wf.Logger().With(slog.String("task_type", taskType))
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			// 异常结束同样要广播失败，否则订阅者会一直等到各自超时。
			perr := xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("协调者异常: %v", r), xerrors.WithRetryable(false))
			log.Error("协调者异常结束", slog.Any("error", perr), slog.String("stack", string(debug.Stack())))
			if state.result == nil {
				state.result = &Result{Failure: failureFrom(perr)}
			}
			c.finish(wf, state, log)
			value, err = nil, perr
		}()
		wf.SetHandler(SignalSubscribe, state.subscribe)
		wf.SetHandler(SignalCompleted, state.complete)

		var opts []engine.ActivityOption
		if c.retry != nil {
			opts = append(opts, engine.WithActivityRetry(*c.retry))
		}
		row, err := engine.Activity(wf, wf.Context(), "SubmitTask", func(ctx context.Context) (*task.Task, error) {
			return c.submitter.SubmitTask(ctx, key, taskType, input)
		}, opts...)
		switch {
		case err != nil:
			log.Error("提交人工任务失败", slog.Any("error", err))
			state.result = &Result{Failure: failureFrom(err)}
		case row.Status == task.StatusCompleted:
			// 上一个协调者已经结束而任务早已完成，直接进入收尾。
			state.result = &Result{Output: row.Output}
		}

		for state.result == nil {
			done, err := wf.AwaitWithTimeout(c.checkInterval, func() bool { return state.result != nil })
			if err != nil {
				log.Warn("等待人工结果中断", slog.Any("error", err))
				state.result = &Result{Failure: failureFrom(err)}
				break
			}
			if !done {
				c.recheck(wf, state, log)
			}
		}

		c.finish(wf, state, log)
		return *state.result, nil
	}
}

// recheck 直接读取任务行；行已完成但通知没有送达时以保存的输出收尾。
func (c *Coordinator) recheck(wf *engine.Workflow, state *coordinatorState, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(wf.Context(), c.checkInterval)
	defer cancel()
	row, err := c.submitter.store.GetTask(ctx, wf.ID())
	if err != nil {
		log.Warn("回查人工任务失败", slog.Any("error", err))
		return
	}
	if row.Status == task.StatusCompleted && state.result == nil {
		log.Info("完成通知未送达，按任务行收尾")
		state.result = &Result{Output: row.Output}
	}
}

// finish 在不可取消的上下文中广播结果，直到邮箱为空并成功注销。
func (c *Coordinator) finish(wf *engine.Workflow, state *coordinatorState, log *slog.Logger) {
	ctx := wf.NonCancellable()
	for {
		c.broadcast(ctx, wf, state, log)
		if wf.TryTerminate() {
			return
		}
		wf.Drain()
	}
}

// broadcast 通知尚未收到结果的订阅者，单个订阅者失败只记录日志。
func (c *Coordinator) broadcast(ctx context.Context, wf *engine.Workflow, state *coordinatorState, log *slog.Logger) {
	for _, id := range state.subscribers {
		if _, done := state.notified[id]; done {
			continue
		}
		state.notified[id] = struct{}{}
		if err := wf.Signal(ctx, id, SignalCompleted, *state.result); err != nil {
			log.Warn("通知订阅者失败", slog.String("subscriber", id), slog.Any("error", err))
		}
	}
}
