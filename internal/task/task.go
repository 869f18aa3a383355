package task

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	xerrors "HumanLoop/internal/errors"
)

// Status 表示任务在生命周期中的状态，只能向前推进。
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// DefaultLeaseTimeout 是心跳失效窗口，超过该时间未心跳的任务可以被重新领取。
const DefaultLeaseTimeout = 5 * time.Minute

// Task 描述一个等待人工处理的工作单元。
//
// ID 同时是负责该任务的协调者 actor 的标识，因此"通知任务"与"通知协调者"
// 是同一个操作。
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Assignee  string          `json:"assignee,omitempty"`
	Status    Status          `json:"status"`
	Heartbeat *time.Time      `json:"heartbeat,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// Eligible 判断任务此刻是否可以被 StartTask 领取。
// 已完成的任务永远不可再分配。
func (t *Task) Eligible(now time.Time, leaseTimeout time.Duration) bool {
	switch t.Status {
	case StatusNotStarted:
		return true
	case StatusInProgress:
		if t.Heartbeat == nil {
			return true
		}
		return t.Heartbeat.Before(now.Add(-leaseTimeout))
	default:
		return false
	}
}

const (
	CodeTaskAlreadyExists xerrors.Code = "TASK_ALREADY_EXISTS"
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeNoTasksAvailable  xerrors.Code = "NO_TASKS_AVAILABLE"
	CodeTaskNotStarted    xerrors.Code = "TASK_NOT_STARTED"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskSubmission    xerrors.Code = "TASK_SUBMISSION_FAILED"
)

var (
	// ErrAlreadyExists 表示任务 ID 已被占用。
	ErrAlreadyExists = xerrors.New(CodeTaskAlreadyExists, "task already exists")
	// ErrNotFound 表示指定的任务不存在。
	ErrNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrNoTasksAvailable 表示当前没有可领取的任务。
	ErrNoTasksAvailable = xerrors.New(CodeNoTasksAvailable, "no tasks available")
	// ErrNotStarted 表示任务不处于 in-progress 状态，或租约已不属于调用方。
	ErrNotStarted = xerrors.New(CodeTaskNotStarted, "task not started")
	// ErrValidation 匹配所有参数校验失败的错误。
	ErrValidation = xerrors.New(CodeTaskValidation, "task validation failed")

	errMissingAssignee = xerrors.New(CodeTaskValidation, "assignee 不能为空")
)

func init() {
	xerrors.Register(CodeTaskAlreadyExists, xerrors.Attributes{
		Message:  "task already exists",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeNoTasksAvailable, xerrors.Attributes{
		Message:  "no tasks available",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeTaskNotStarted, xerrors.Attributes{
		Message:  "task not started",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
	xerrors.Register(CodeTaskSubmission, xerrors.Attributes{
		Message:   "failed to submit task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Status:    http.StatusInternalServerError,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

func validateNewTask(id, taskType string, input json.RawMessage) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(CodeTaskValidation, "任务 ID 不能为空")
	}
	if strings.TrimSpace(taskType) == "" {
		return xerrors.New(CodeTaskValidation, "任务类型不能为空")
	}
	if len(bytes.TrimSpace(input)) == 0 || !json.Valid(input) {
		return xerrors.New(CodeTaskValidation, "任务输入必须是合法的 JSON")
	}
	return nil
}

func validateOutput(output json.RawMessage) error {
	if len(bytes.TrimSpace(output)) == 0 || !json.Valid(output) {
		return xerrors.New(CodeTaskValidation, "任务输出必须是合法的 JSON")
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Input = cloneRaw(task.Input)
	clone.Output = cloneRaw(task.Output)
	if task.Heartbeat != nil {
		hb := *task.Heartbeat
		clone.Heartbeat = &hb
	}
	return &clone
}
