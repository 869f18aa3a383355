package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	xerrors "HumanLoop/internal/errors"
)

// RetryPolicy 控制 activity 的重试与超时。
type RetryPolicy struct {
	InitialInterval     time.Duration
	BackoffCoefficient  float64
	MaximumInterval     time.Duration
	MaximumAttempts     int
	StartToCloseTimeout time.Duration
}

// DefaultRetryPolicy 返回默认策略：1s 起步、指数 2、上限 30s、最多 5 次、单次 1 分钟。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     time.Second,
		BackoffCoefficient:  2,
		MaximumInterval:     30 * time.Second,
		MaximumAttempts:     5,
		StartToCloseTimeout: time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = def.BackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = def.MaximumInterval
	}
	if p.MaximumAttempts <= 0 {
		p.MaximumAttempts = def.MaximumAttempts
	}
	if p.StartToCloseTimeout <= 0 {
		p.StartToCloseTimeout = def.StartToCloseTimeout
	}
	return p
}

// delay 返回第 attempt 次重试（从 1 开始）前的等待时间。
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1)))
	if d <= 0 || d > p.MaximumInterval {
		return p.MaximumInterval
	}
	return d
}

// ActivityOption 覆盖单次调用的重试策略。
type ActivityOption func(*RetryPolicy)

// WithActivityRetry 替换本次调用的重试策略。
func WithActivityRetry(p RetryPolicy) ActivityOption {
	return func(dst *RetryPolicy) {
		*dst = p.withDefaults()
	}
}

// ExecuteActivity 以重试策略执行 fn。只有可重试的错误会触发重试，
// 不可重试的错误立即返回。ctx 结束时停止重试。
func (w *Workflow) ExecuteActivity(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...ActivityOption) error {
	policy := w.engine.retry
	for _, opt := range opts {
		if opt != nil {
			opt(&policy)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaximumAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.StartToCloseTimeout)
		lastErr = runAttempt(attemptCtx, name, fn)
		cancel()
		if lastErr == nil {
			return nil
		}
		if !xerrors.RetryableError(lastErr) || attempt == policy.MaximumAttempts {
			break
		}
		wait := policy.delay(attempt)
		w.logger.Warn("activity 执行失败，准备重试",
			slog.String("activity", name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", lastErr),
		)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return contextError(ctx.Err())
		}
	}
	return lastErr
}

// runAttempt 执行一次 fn，panic 转为不可重试的错误。
func runAttempt(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("activity %s panic: %v", name, r), xerrors.WithRetryable(false))
		}
	}()
	return fn(ctx)
}

// Activity 是 ExecuteActivity 的带返回值版本。
func Activity[T any](w *Workflow, ctx context.Context, name string, fn func(ctx context.Context) (T, error), opts ...ActivityOption) (T, error) {
	var result T
	err := w.ExecuteActivity(ctx, name, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	}, opts...)
	return result, err
}
