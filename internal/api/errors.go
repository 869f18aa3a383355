package api

import (
	"encoding/json"
	"net/http"

	xerrors "HumanLoop/internal/errors"
)

// CodeRelayFailure 表示任务已完成，但完成通知未能投递。任务行已提交，
// 重试 /complete 只会得到 TASK_NOT_STARTED；协调者会回查任务行自行收尾。
const CodeRelayFailure xerrors.Code = "RELAY_FAILURE"

func init() {
	xerrors.Register(CodeRelayFailure, xerrors.Attributes{
		Message:  "task completed but completion notice was not delivered",
		Severity: xerrors.SeverityCritical,
		Status:   http.StatusBadGateway,
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// writeError 只输出错误码与面向调用方的描述，不暴露底层原因。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := xerrors.AttributesOf(code).Message
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		message = e.Message()
	}
	writeJSON(w, xerrors.HTTPStatus(err), errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
