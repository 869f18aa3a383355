package humantask

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"

	xerrors "HumanLoop/internal/errors"
)

const (
	// SignalSubscribe 由请求方发给协调者，负载为请求方 actor ID。
	SignalSubscribe = "subscribe"
	// SignalCompleted 携带 Result：中继发给协调者，协调者再广播给订阅者。
	SignalCompleted = "completed"
)

// Result 是协调者广播的结果，Failure 非空表示人工任务未能完成。
type Result struct {
	Output  json.RawMessage
	Failure *Failure
}

// Failure 描述人工任务失败的原因，保留原始错误码与信息。
type Failure struct {
	Code    xerrors.Code
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("human task failed [%s]: %s", f.Code, f.Message)
}

func failureFrom(err error) *Failure {
	var f *Failure
	if stdErrors.As(err, &f) {
		return f
	}
	return &Failure{Code: xerrors.CodeOf(err), Message: err.Error()}
}

// resultFrom 接受中继投递的 Result 或裸输出。
func resultFrom(payload any) (Result, bool) {
	switch v := payload.(type) {
	case Result:
		return v, true
	case *Result:
		if v == nil {
			return Result{}, false
		}
		return *v, true
	case json.RawMessage:
		return Result{Output: v}, true
	default:
		return Result{}, false
	}
}
