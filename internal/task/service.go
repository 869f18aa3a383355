package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"

	xerrors "HumanLoop/internal/errors"
	"HumanLoop/pkg/logger"
)

// TransitionObserver 接收每一次租约操作的结果，用于指标采集。
type TransitionObserver interface {
	ObserveTransition(op, result string)
}

// Service 在 Store 之上提供参数校验、审计日志与指标上报，供网关与 CLI 使用。
type Service struct {
	store    Store
	observer TransitionObserver
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithObserver 设置租约操作的指标观察者。
func WithObserver(observer TransitionObserver) ServiceOption {
	return func(s *Service) {
		s.observer = observer
	}
}

// NewService 构造任务服务。
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store 返回底层存储。
func (s *Service) Store() Store {
	return s.store
}

// Start 为 assignee 领取下一个可分配的任务。
func (s *Service) Start(ctx context.Context, assignee string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return nil, errMissingAssignee
	}
	task, err := s.store.StartTask(ctx, assignee)
	s.observe("start", err)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已领取",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.String("assignee", assignee),
	)
	return task, nil
}

// Heartbeat 刷新任务租约。
func (s *Service) Heartbeat(ctx context.Context, id, assignee string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	task, err := s.store.HeartbeatTask(ctx, id, strings.TrimSpace(assignee))
	s.observe("heartbeat", err)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Complete 提交人工结果。
func (s *Service) Complete(ctx context.Context, id, assignee string, output json.RawMessage) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	task, err := s.store.CompleteTask(ctx, id, strings.TrimSpace(assignee), output)
	s.observe("complete", err)
	if err != nil {
		if stdErrors.Is(err, ErrNotStarted) {
			logger.Audit().Warn("拒绝完成任务",
				slog.String("task_id", id),
				slog.String("assignee", assignee),
			)
		}
		return nil, err
	}
	logger.Audit().Info("任务已完成",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.String("assignee", task.Assignee),
	)
	return task, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.GetTask(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, BuildListOptions(opts...))
}

// Stats 返回任务统计信息。
func (s *Service) Stats(ctx context.Context) (TaskStats, error) {
	if err := s.ready(); err != nil {
		return TaskStats{}, err
	}
	return s.store.Stats(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) ready() error {
	if s == nil || s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return nil
}

func (s *Service) observe(op string, err error) {
	if s.observer == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = strings.ToLower(string(xerrors.CodeOf(err)))
	}
	s.observer.ObserveTransition(op, result)
}
