package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "HumanLoop/internal/errors"
	"HumanLoop/pkg/logger"
)

const (
	CodeActorAlreadyRunning xerrors.Code = "ACTOR_ALREADY_RUNNING"
	CodeActorNotFound       xerrors.Code = "ACTOR_NOT_FOUND"
	CodeEngineClosed        xerrors.Code = "ENGINE_CLOSED"
)

var (
	// ErrAlreadyRunning 表示同 ID 的 actor 仍在运行。
	ErrAlreadyRunning = xerrors.New(CodeActorAlreadyRunning, "actor already running")
	// ErrActorNotFound 表示目标 actor 不存在或已经终止。
	ErrActorNotFound = xerrors.New(CodeActorNotFound, "actor not found")
	// ErrClosed 表示引擎已关闭。
	ErrClosed = xerrors.New(CodeEngineClosed, "engine closed")
)

func init() {
	xerrors.Register(CodeActorAlreadyRunning, xerrors.Attributes{
		Message:  "actor already running",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeActorNotFound, xerrors.Attributes{
		Message:  "actor not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeEngineClosed, xerrors.Attributes{
		Message:  "engine closed",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusServiceUnavailable,
	})
}

// DefaultRunTimeout 是 actor 的默认最长运行时间。
const DefaultRunTimeout = 7 * 24 * time.Hour

// Func 是 actor 的主体函数，返回值即 Handle.Result 的结果。
type Func func(wf *Workflow) (any, error)

// StartOptions 描述启动 actor 时的参数。
type StartOptions struct {
	ID         string
	RunTimeout time.Duration
}

// Engine 管理所有存活的 actor。
//
// 注册表锁同时保护每个 actor 的邮箱，因此"投递信号"、"创建 actor"与
// "邮箱为空时注销"三者互斥，不会出现信号投递给已注销 actor 的情况。
type Engine struct {
	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	baseCtx    context.Context
	cancelAll  context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
	runTimeout time.Duration
	retry      RetryPolicy
}

// Option 定义引擎的可选配置。
type Option func(*Engine)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRunTimeout 设置 actor 默认的运行超时。
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.runTimeout = d
		}
	}
}

// WithRetryPolicy 设置 activity 的默认重试策略。
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p.withDefaults()
	}
}

// New 创建引擎。
func New(opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		actors:     make(map[string]*actor),
		baseCtx:    ctx,
		cancelAll:  cancel,
		logger:     logger.Named("engine"),
		runTimeout: DefaultRunTimeout,
		retry:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type signal struct {
	name    string
	payload any
}

type actor struct {
	id      string
	mailbox []signal
	wake    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	gone    bool

	result any
	err    error
}

// Handle 引用一个已启动的 actor。
type Handle struct {
	id string
	a  *actor
}

// ID 返回 actor 标识。
func (h *Handle) ID() string { return h.id }

// Done 在 actor 结束后关闭。
func (h *Handle) Done() <-chan struct{} { return h.a.done }

// Result 等待 actor 结束并返回其结果。
func (h *Handle) Result(ctx context.Context) (any, error) {
	select {
	case <-h.a.done:
		return h.a.result, h.a.err
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
}

// Start 启动新的 actor；同 ID 的 actor 仍存活时返回 ErrAlreadyRunning。
func (e *Engine) Start(ctx context.Context, opts StartOptions, fn Func) (*Handle, error) {
	if err := validateStart(opts, fn); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.actors[opts.ID]; ok {
		return nil, ErrAlreadyRunning
	}
	a := e.spawnLocked(opts, fn, nil)
	return &Handle{id: opts.ID, a: a}, nil
}

// SignalWithStart 把信号投递给存活的 actor，若不存在则创建 actor 并让该信号
// 成为其邮箱中的第一条消息。整个过程在注册表锁内完成。
func (e *Engine) SignalWithStart(ctx context.Context, opts StartOptions, fn Func, name string, payload any) (*Handle, error) {
	if err := validateStart(opts, fn); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if a, ok := e.actors[opts.ID]; ok {
		a.enqueueLocked(signal{name: name, payload: payload})
		return &Handle{id: opts.ID, a: a}, nil
	}
	a := e.spawnLocked(opts, fn, []signal{{name: name, payload: payload}})
	return &Handle{id: opts.ID, a: a}, nil
}

// Signal 向存活的 actor 投递信号。
func (e *Engine) Signal(ctx context.Context, id, name string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[id]
	if !ok {
		return ErrActorNotFound
	}
	a.enqueueLocked(signal{name: name, payload: payload})
	return nil
}

// Cancel 取消 actor 的运行上下文。
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	a, ok := e.actors[id]
	e.mu.Unlock()
	if !ok {
		return ErrActorNotFound
	}
	a.cancel()
	return nil
}

// Running 判断指定 actor 是否存活。
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.actors[id]
	return ok
}

// Shutdown 取消所有 actor 并等待其退出。
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancelAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return contextError(ctx.Err())
	}
}

func validateStart(opts StartOptions, fn Func) error {
	if strings.TrimSpace(opts.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "actor ID 不能为空")
	}
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "actor 函数不能为空")
	}
	return nil
}

func (e *Engine) spawnLocked(opts StartOptions, fn Func, initial []signal) *actor {
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = e.runTimeout
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, timeout)
	a := &actor{
		id:      opts.ID,
		mailbox: initial,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if len(initial) > 0 {
		a.wake <- struct{}{}
	}
	e.actors[opts.ID] = a
	e.wg.Add(1)
	go e.run(a, fn)
	return a
}

func (e *Engine) run(a *actor, fn Func) {
	defer e.wg.Done()
	wf := newWorkflow(e, a)
	log := e.logger.With(slog.String("actor_id", a.id))
	log.Debug("actor 已启动")

	result, err := e.invoke(wf, fn)

	e.mu.Lock()
	if current, ok := e.actors[a.id]; ok && current == a {
		delete(e.actors, a.id)
	}
	a.gone = true
	dropped := len(a.mailbox)
	a.mailbox = nil
	e.mu.Unlock()

	if dropped > 0 {
		log.Warn("actor 结束时仍有未处理的信号", slog.Int("dropped", dropped))
	}
	a.result, a.err = result, err
	a.cancel()
	close(a.done)
	if err != nil {
		log.Debug("actor 已结束", slog.Any("error", err))
	} else {
		log.Debug("actor 已结束")
	}
}

func (e *Engine) invoke(wf *Workflow, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("actor panic: %v", r), xerrors.WithRetryable(false))
		}
	}()
	return fn(wf)
}

func (a *actor) enqueueLocked(s signal) {
	a.mailbox = append(a.mailbox, s)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func contextError(err error) error {
	switch {
	case err == nil:
		return nil
	case err == context.DeadlineExceeded:
		return xerrors.Wrap(xerrors.CodeTimeout, err, "运行超时")
	default:
		return xerrors.Wrap(xerrors.CodeCanceled, err, "已取消")
	}
}
