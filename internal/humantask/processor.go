package humantask

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"HumanLoop/internal/engine"
	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/observability/alerting"
	"HumanLoop/internal/relay"
	"HumanLoop/pkg/logger"
)

// Signaler 是 Processor 需要的引擎能力。
type Signaler interface {
	Signal(ctx context.Context, id, name string, payload any) error
}

// NoticeObserver 接收每条通知的处理结果，用于指标采集。
type NoticeObserver interface {
	ObserveNotice(result string)
}

// Processor 消费完成通知并把结果转交给 ID 与任务 ID 相同的协调者。
type Processor struct {
	signaler    Signaler
	consumer    relay.Consumer
	workerCount int
	logger      *slog.Logger
	observer    NoticeObserver
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithNoticeObserver 设置指标观察者。
func WithNoticeObserver(o NoticeObserver) ProcessorOption {
	return func(p *Processor) {
		p.observer = o
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(signaler Signaler, consumer relay.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		signaler:    signaler,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("humantask.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.L()
	}
	return p
}

// Start 启动通知消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.signaler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置通知消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单条通知。协调者已不存在时丢弃通知：任务行已保存输出，
// 之后的请求会走已完成的快速路径。
func (p *Processor) Handle(ctx context.Context, notice relay.Notice) error {
	err := p.signaler.Signal(ctx, notice.TaskID, SignalCompleted, Result{Output: notice.Output})
	switch {
	case err == nil:
		p.observe("delivered")
		p.logger.Debug("完成通知已送达", slog.String("task_id", notice.TaskID))
		return nil
	case stdErrors.Is(err, engine.ErrActorNotFound):
		p.observe("dropped")
		p.logger.Info("协调者不存在，丢弃完成通知", slog.String("task_id", notice.TaskID))
		return nil
	default:
		p.observe("failed")
		p.logger.Error("投递完成通知失败", slog.String("task_id", notice.TaskID), slog.Any("error", err))
		p.emitAlert(ctx, notice.TaskID, err)
		return err
	}
}

func (p *Processor) observe(result string) {
	if p.observer != nil {
		p.observer.ObserveNotice(result)
	}
}

func (p *Processor) emitAlert(ctx context.Context, taskID string, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.EventFromError(taskID, cause, map[string]string{"stage": "signal"})
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Warn("发送告警失败", slog.Any("error", err))
	}
}
