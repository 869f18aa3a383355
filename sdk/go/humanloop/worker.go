package humanloop

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned when the gateway no longer considers the worker
// the holder of a task, typically because the lease went stale and another
// worker reclaimed it.
var ErrLeaseLost = errors.New("humanloop: task lease lost")

// HandlerFunc produces the output for a claimed task. ctx is canceled when
// the lease is lost.
type HandlerFunc func(ctx context.Context, task Task) (any, error)

// Worker claims tasks for one assignee, keeps their leases alive while the
// handler runs and submits the handler's output.
type Worker struct {
	client            *Client
	assignee          string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets how long Run waits after finding no tasks.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithHeartbeatInterval sets how often the lease is refreshed. It should stay
// well below the gateway's lease timeout.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeatInterval = d
		}
	}
}

// NewWorker builds a worker claiming tasks as assignee.
func NewWorker(client *Client, assignee string, opts ...WorkerOption) *Worker {
	w := &Worker{
		client:            client,
		assignee:          assignee,
		pollInterval:      2 * time.Second,
		heartbeatInterval: time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// RunOnce claims and processes at most one task. The boolean is false when no
// task was available.
func (w *Worker) RunOnce(ctx context.Context, handler HandlerFunc) (Task, bool, error) {
	claimed, err := w.client.Start(ctx, w.assignee)
	if err != nil {
		if IsCode(err, "NO_TASKS_AVAILABLE") {
			return Task{}, false, nil
		}
		return Task{}, false, err
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.keepAlive(leaseCtx, cancel, claimed.ID)
	}()

	output, handlerErr := handler(leaseCtx, claimed)
	lost := errors.Is(context.Cause(leaseCtx), ErrLeaseLost)
	cancel(nil)
	<-stopped

	if lost {
		return claimed, true, ErrLeaseLost
	}
	if handlerErr != nil {
		return claimed, true, handlerErr
	}

	done, err := w.client.Complete(ctx, claimed.ID, w.assignee, output)
	if err != nil {
		if IsCode(err, "TASK_NOT_STARTED") {
			return claimed, true, ErrLeaseLost
		}
		return claimed, true, err
	}
	return done, true, nil
}

// Run processes tasks until ctx is done. Lost leases are skipped; any other
// error stops the loop.
func (w *Worker) Run(ctx context.Context, handler HandlerFunc) error {
	for {
		_, found, err := w.RunOnce(ctx, handler)
		if err != nil && !errors.Is(err, ErrLeaseLost) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if found {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Worker) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, taskID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.client.Heartbeat(ctx, taskID, w.assignee); err != nil {
				if IsCode(err, "TASK_NOT_STARTED") {
					cancel(ErrLeaseLost)
					return
				}
			}
		}
	}
}
