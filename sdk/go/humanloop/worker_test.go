package humanloop

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"HumanLoop/internal/api"
	"HumanLoop/internal/task"
)

func newGatewayClient(t *testing.T, store task.Store) *Client {
	t.Helper()
	srv := httptest.NewServer(api.NewServer(":0", task.NewService(store)).Handler())
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestWorkerRunOnceCompletesTask(t *testing.T) {
	store := task.NewMemoryStore()
	if _, err := store.AddTask(context.Background(), "t-1", "add-digits", json.RawMessage(`{"digits":[4,5]}`)); err != nil {
		t.Fatalf("add: %v", err)
	}
	worker := NewWorker(newGatewayClient(t, store), "alice", WithHeartbeatInterval(5*time.Millisecond))

	done, found, err := worker.RunOnce(context.Background(), func(ctx context.Context, claimed Task) (any, error) {
		var input struct {
			Digits []int `json:"digits"`
		}
		if err := json.Unmarshal(claimed.Input, &input); err != nil {
			return nil, err
		}
		time.Sleep(30 * time.Millisecond)
		sum := 0
		for _, d := range input.Digits {
			sum += d
		}
		return map[string]int{"sum": sum}, nil
	})
	if err != nil || !found {
		t.Fatalf("run once: found=%v err=%v", found, err)
	}
	if done.Status != StatusCompleted || string(done.Output) != `{"sum":9}` {
		t.Fatalf("unexpected task: %+v", done)
	}
}

func TestWorkerRunOnceWithoutTasks(t *testing.T) {
	worker := NewWorker(newGatewayClient(t, task.NewMemoryStore()), "alice")
	_, found, err := worker.RunOnce(context.Background(), func(context.Context, Task) (any, error) {
		t.Fatal("handler should not run")
		return nil, nil
	})
	if err != nil || found {
		t.Fatalf("expected no task, got found=%v err=%v", found, err)
	}
}

func TestWorkerDetectsLostLease(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Unix(1700000000, 0).UnixNano())
	store := task.NewMemoryStore(task.WithClock(func() time.Time { return time.Unix(0, now.Load()) }))
	if _, err := store.AddTask(context.Background(), "t-1", "add-digits", json.RawMessage(`{"digits":[1]}`)); err != nil {
		t.Fatalf("add: %v", err)
	}
	client := newGatewayClient(t, store)
	worker := NewWorker(client, "alice", WithHeartbeatInterval(5*time.Millisecond))

	_, found, err := worker.RunOnce(context.Background(), func(ctx context.Context, claimed Task) (any, error) {
		now.Add(int64(task.DefaultLeaseTimeout + time.Second))
		if _, err := client.Start(context.Background(), "bob"); err != nil {
			return nil, err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !found || !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lost lease, got found=%v err=%v", found, err)
	}

	reclaimed, err := store.GetTask(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reclaimed.Assignee != "bob" || reclaimed.Status != task.StatusInProgress {
		t.Fatalf("unexpected task: %+v", reclaimed)
	}
}
