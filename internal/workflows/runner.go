package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"HumanLoop/internal/engine"
	xerrors "HumanLoop/internal/errors"
	"HumanLoop/pkg/logger"
)

// RunState 表示工作流运行的生命周期状态。
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

const CodeWorkflowNotFound xerrors.Code = "WORKFLOW_NOT_FOUND"

var ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:  "workflow not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
}

// Run 记录一次工作流运行。
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	State       RunState   `json:"state"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Runner 在引擎上启动已注册的工作流，并在内存中保留运行记录。
type Runner struct {
	engine   *engine.Engine
	registry *Registry
	logger   *slog.Logger

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunner 构造 Runner。
func NewRunner(e *engine.Engine, registry *Registry) *Runner {
	return &Runner{
		engine:   e,
		registry: registry,
		logger:   logger.Named("workflows"),
		runs:     make(map[string]*Run),
	}
}

// Registry 返回工作流注册表。
func (r *Runner) Registry() *Registry { return r.registry }

// Start 异步启动工作流并返回运行记录的快照。
func (r *Runner) Start(ctx context.Context, name string, input []byte) (Run, error) {
	runner, ok := r.registry.Get(name)
	if !ok {
		return Run{}, xerrors.New(CodeWorkflowNotFound, fmt.Sprintf("未注册的工作流: %s", name))
	}
	run := &Run{
		ID:        fmt.Sprintf("%s-%s", name, uuid.NewString()),
		Name:      name,
		State:     RunStateRunning,
		StartedAt: time.Now().UTC(),
	}

	handle, err := r.engine.Start(ctx, engine.StartOptions{ID: run.ID}, func(wf *engine.Workflow) (any, error) {
		return runner(wf, input)
	})
	if err != nil {
		return Run{}, err
	}

	r.mu.Lock()
	r.runs[run.ID] = run
	snapshot := *run
	r.mu.Unlock()

	go r.track(run, handle)
	r.logger.Info("工作流已启动", slog.String("run_id", run.ID), slog.String("workflow", name))
	return snapshot, nil
}

func (r *Runner) track(run *Run, handle *engine.Handle) {
	<-handle.Done()
	output, err := handle.Result(context.Background())
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	run.CompletedAt = &now
	if err != nil {
		run.State = RunStateFailed
		run.Error = err.Error()
		run.ErrorCode = string(xerrors.CodeOf(err))
		r.logger.Warn("工作流失败", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	run.State = RunStateCompleted
	run.Output = output
	r.logger.Info("工作流已完成", slog.String("run_id", run.ID))
}

// Get 返回运行记录的快照。
func (r *Runner) Get(id string) (Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrWorkflowNotFound
	}
	return *run, nil
}

// Wait 阻塞直到运行结束或 ctx 结束，主要供 CLI 与测试使用。
func (r *Runner) Wait(ctx context.Context, id string) (Run, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := r.Get(id)
		if err != nil {
			return Run{}, err
		}
		if run.State != RunStateRunning {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
