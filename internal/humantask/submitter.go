package humantask

import (
	"context"
	"encoding/json"
	stdErrors "errors"

	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/task"
)

// Submitter 把人工任务写入任务表，在至少一次语义下可安全重复调用。
type Submitter struct {
	store task.Store
}

// NewSubmitter 构造 Submitter。
func NewSubmitter(store task.Store) *Submitter {
	return &Submitter{store: store}
}

// SubmitTask 创建任务行；行已存在时视为成功并返回已有的行，
// 调用方据此判断任务是否已经完成。其它失败包装为 TASK_SUBMISSION_FAILED。
func (s *Submitter) SubmitTask(ctx context.Context, id, taskType string, input json.RawMessage) (*task.Task, error) {
	created, err := s.store.AddTask(ctx, id, taskType, input)
	if err == nil {
		return created, nil
	}
	if stdErrors.Is(err, task.ErrAlreadyExists) {
		existing, getErr := s.store.GetTask(ctx, id)
		if getErr == nil {
			return existing, nil
		}
		err = getErr
	}
	return nil, xerrors.Wrap(task.CodeTaskSubmission, err, "提交人工任务失败",
		xerrors.WithRetryable(xerrors.RetryableError(err)))
}
