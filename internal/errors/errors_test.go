package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsComparesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "task not found")
	wrapped := fmt.Errorf("lookup: %w", Wrap(CodeNotFound, stdErrors.New("sql: no rows"), "另一个描述"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(wrapped, New(CodeConflict, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestRetryableDefaults(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "storage", err: New(CodeStorageFailure, ""), want: true},
		{name: "not found", err: New(CodeNotFound, ""), want: false},
		{name: "override", err: New(CodeStorageFailure, "", WithRetryable(false)), want: false},
		{name: "plain error", err: stdErrors.New("boom"), want: true},
		{name: "nil", err: nil, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RetryableError(tc.err); got != tc.want {
				t.Fatalf("RetryableError() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	Register("TEST_TEAPOT", Attributes{Message: "teapot", Status: http.StatusTeapot})

	if got := HTTPStatus(New("TEST_TEAPOT", "")); got != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", got)
	}
	if got := HTTPStatus(stdErrors.New("opaque")); got != http.StatusInternalServerError {
		t.Fatalf("unexpected status for opaque error: %d", got)
	}
	if got := New("TEST_TEAPOT", "").Message(); got != "teapot" {
		t.Fatalf("expected default message, got %q", got)
	}
}

func TestMessageHidesCause(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("dial tcp 10.0.0.1:3306: refused"), "写入任务失败")
	if err.Message() != "写入任务失败" {
		t.Fatalf("unexpected message: %q", err.Message())
	}
	if stdErrors.Unwrap(err) == nil {
		t.Fatalf("expected cause to be preserved")
	}
}
