package engine

import (
	"context"
	"log/slog"
	"time"
)

// Workflow 是 actor 主体函数可见的运行时句柄。除 Start、ExecuteChild、
// Signal 与 SignalWithStart 外，其余方法只能在 actor 自身的协程中调用。
type Workflow struct {
	engine    *Engine
	actor     *actor
	handlers  map[string]func(payload any)
	unhandled map[string][]any
	logger    *slog.Logger
}

func newWorkflow(e *Engine, a *actor) *Workflow {
	return &Workflow{
		engine:    e,
		actor:     a,
		handlers:  make(map[string]func(any)),
		unhandled: make(map[string][]any),
		logger:    e.logger.With(slog.String("actor_id", a.id)),
	}
}

// ID 返回 actor 标识。
func (w *Workflow) ID() string { return w.actor.id }

// Context 返回 actor 的运行上下文，在 Cancel 或运行超时时结束。
func (w *Workflow) Context() context.Context { return w.actor.ctx }

// Logger 返回带 actor_id 字段的日志器。
func (w *Workflow) Logger() *slog.Logger { return w.logger }

// Engine 返回所属引擎。
func (w *Workflow) Engine() *Engine { return w.engine }

// NonCancellable 返回一个不随 actor 取消而结束的上下文，用于收尾阶段。
func (w *Workflow) NonCancellable() context.Context {
	return context.WithoutCancel(w.actor.ctx)
}

// SetHandler 注册信号处理函数。注册前已到达的同名信号会按顺序立即交给它处理。
func (w *Workflow) SetHandler(name string, fn func(payload any)) {
	w.handlers[name] = fn
	if fn == nil {
		return
	}
	pending := w.unhandled[name]
	delete(w.unhandled, name)
	for _, payload := range pending {
		fn(payload)
	}
}

// Await 处理邮箱中的信号直到 cond 为真。actor 被取消或超时时返回错误。
func (w *Workflow) Await(cond func() bool) error {
	_, err := w.await(nil, cond)
	return err
}

// AwaitWithTimeout 与 Await 相同，但最多等待 d。到时 cond 仍为假时返回 false。
func (w *Workflow) AwaitWithTimeout(d time.Duration, cond func() bool) (bool, error) {
	if d <= 0 {
		w.Drain()
		return cond(), nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	return w.await(timer.C, cond)
}

func (w *Workflow) await(expired <-chan time.Time, cond func() bool) (bool, error) {
	for {
		if cond() {
			return true, nil
		}
		if w.dispatchNext() {
			continue
		}
		select {
		case <-w.actor.wake:
		case <-expired:
			w.Drain()
			return cond(), nil
		case <-w.actor.ctx.Done():
			return false, contextError(w.actor.ctx.Err())
		}
	}
}

// Drain 非阻塞地处理邮箱中当前所有信号。
func (w *Workflow) Drain() {
	for w.dispatchNext() {
	}
}

// TryTerminate 在邮箱为空时将 actor 从注册表中移除并返回 true；
// 此后到达的 SignalWithStart 会创建新的 actor。邮箱非空时返回 false，
// 调用方应先 Drain 再重试。
func (w *Workflow) TryTerminate() bool {
	e := w.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(w.actor.mailbox) > 0 {
		return false
	}
	if !w.actor.gone {
		if current, ok := e.actors[w.actor.id]; ok && current == w.actor {
			delete(e.actors, w.actor.id)
		}
		w.actor.gone = true
	}
	return true
}

// Start 启动另一个 actor。
func (w *Workflow) Start(ctx context.Context, opts StartOptions, fn Func) (*Handle, error) {
	return w.engine.Start(ctx, opts, fn)
}

// ExecuteChild 启动子 actor 并等待其结果；父 actor 取消时子 actor 也会被取消。
func (w *Workflow) ExecuteChild(opts StartOptions, fn Func) (any, error) {
	handle, err := w.engine.Start(w.actor.ctx, opts, fn)
	if err != nil {
		return nil, err
	}
	select {
	case <-handle.Done():
	case <-w.actor.ctx.Done():
		_ = w.engine.Cancel(handle.ID())
		<-handle.Done()
	}
	return handle.a.result, handle.a.err
}

// Signal 向其它 actor 投递信号。
func (w *Workflow) Signal(ctx context.Context, id, name string, payload any) error {
	return w.engine.Signal(ctx, id, name, payload)
}

// SignalWithStart 见 Engine.SignalWithStart。
func (w *Workflow) SignalWithStart(ctx context.Context, opts StartOptions, fn Func, name string, payload any) (*Handle, error) {
	return w.engine.SignalWithStart(ctx, opts, fn, name, payload)
}

func (w *Workflow) dispatchNext() bool {
	e := w.engine
	e.mu.Lock()
	if len(w.actor.mailbox) == 0 {
		e.mu.Unlock()
		return false
	}
	next := w.actor.mailbox[0]
	w.actor.mailbox[0] = signal{}
	w.actor.mailbox = w.actor.mailbox[1:]
	e.mu.Unlock()

	if fn, ok := w.handlers[next.name]; ok && fn != nil {
		fn(next.payload)
	} else {
		w.unhandled[next.name] = append(w.unhandled[next.name], next.payload)
	}
	return true
}
