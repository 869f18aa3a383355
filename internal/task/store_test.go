package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, opts ...StoreOption) Store

// runStoreSuite 对所有 Store 实现执行同一组租约语义测试。
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("AddAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		created, err := store.AddTask(ctx, "a", "addDigits", json.RawMessage(`{"digits":[1,2]}`))
		if err != nil {
			t.Fatalf("add task: %v", err)
		}
		if created.Status != StatusNotStarted || created.Assignee != "" || created.Heartbeat != nil {
			t.Fatalf("unexpected new task: %+v", created)
		}

		if _, err := store.AddTask(ctx, "a", "addDigits", json.RawMessage(`{}`)); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}

		got, err := store.GetTask(ctx, "a")
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if string(got.Input) != `{"digits":[1,2]}` {
			t.Fatalf("input changed: %s", got.Input)
		}

		if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.AddTask(context.Background(), "a", "t", json.RawMessage(`{not json`)); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("ForwardOnlyLifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustAdd(t, store, "a")

		started, err := store.StartTask(ctx, "alice")
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if started.ID != "a" || started.Status != StatusInProgress || started.Assignee != "alice" || started.Heartbeat == nil {
			t.Fatalf("unexpected started task: %+v", started)
		}

		done, err := store.CompleteTask(ctx, "a", "alice", json.RawMessage(`{"sum":3}`))
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if done.Status != StatusCompleted || string(done.Output) != `{"sum":3}` {
			t.Fatalf("unexpected completed task: %+v", done)
		}

		if _, err := store.HeartbeatTask(ctx, "a", ""); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("heartbeat on completed: expected ErrNotStarted, got %v", err)
		}
		if _, err := store.CompleteTask(ctx, "a", "", json.RawMessage(`{"sum":4}`)); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("complete twice: expected ErrNotStarted, got %v", err)
		}
		got, _ := store.GetTask(ctx, "a")
		if got.Status != StatusCompleted || string(got.Output) != `{"sum":3}` || got.Assignee != "alice" {
			t.Fatalf("completed row mutated: %+v", got)
		}
	})

	t.Run("NotStartedRejectsHeartbeatAndComplete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustAdd(t, store, "a")

		if _, err := store.HeartbeatTask(ctx, "a", ""); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("expected ErrNotStarted, got %v", err)
		}
		if _, err := store.CompleteTask(ctx, "a", "", json.RawMessage(`1`)); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("expected ErrNotStarted, got %v", err)
		}
		if _, err := store.HeartbeatTask(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("LowestIDFirst", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			mustAdd(t, store, id)
		}
		for _, want := range []string{"a", "b", "c"} {
			got, err := store.StartTask(ctx, "w")
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			if got.ID != want {
				t.Fatalf("expected %s, got %s", want, got.ID)
			}
		}
		if _, err := store.StartTask(ctx, "w"); !errors.Is(err, ErrNoTasksAvailable) {
			t.Fatalf("expected ErrNoTasksAvailable, got %v", err)
		}
	})

	t.Run("StartTaskExclusive", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const tasks, callers = 5, 20
		for i := 0; i < tasks; i++ {
			mustAdd(t, store, fmt.Sprintf("task-%02d", i))
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed = make(map[string]string)
			empty   int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				task, err := store.StartTask(ctx, worker)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					if prev, ok := claimed[task.ID]; ok {
						t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
					}
					claimed[task.ID] = worker
				case errors.Is(err, ErrNoTasksAvailable):
					empty++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(fmt.Sprintf("worker-%d", i))
		}
		wg.Wait()

		if len(claimed) != tasks || empty != callers-tasks {
			t.Fatalf("expected %d claims and %d empty results, got %d and %d", tasks, callers-tasks, len(claimed), empty)
		}
	})

	t.Run("StaleLeaseIsReclaimed", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, WithClock(clock.Now))
		ctx := context.Background()
		mustAdd(t, store, "a")

		if _, err := store.StartTask(ctx, "alice"); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := store.StartTask(ctx, "bob"); !errors.Is(err, ErrNoTasksAvailable) {
			t.Fatalf("fresh lease must not be reclaimed, got %v", err)
		}

		clock.Advance(DefaultLeaseTimeout + time.Second)
		reclaimed, err := store.StartTask(ctx, "bob")
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if reclaimed.ID != "a" || reclaimed.Assignee != "bob" {
			t.Fatalf("unexpected reclaimed task: %+v", reclaimed)
		}

		if _, err := store.HeartbeatTask(ctx, "a", "alice"); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("previous holder heartbeat: expected ErrNotStarted, got %v", err)
		}
		if _, err := store.CompleteTask(ctx, "a", "alice", json.RawMessage(`1`)); !errors.Is(err, ErrNotStarted) {
			t.Fatalf("previous holder complete: expected ErrNotStarted, got %v", err)
		}
		if _, err := store.CompleteTask(ctx, "a", "bob", json.RawMessage(`1`)); err != nil {
			t.Fatalf("new holder complete: %v", err)
		}
	})

	t.Run("HeartbeatKeepsLease", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, WithClock(clock.Now))
		ctx := context.Background()
		mustAdd(t, store, "a")

		if _, err := store.StartTask(ctx, "alice"); err != nil {
			t.Fatalf("start: %v", err)
		}
		for i := 0; i < 3; i++ {
			clock.Advance(DefaultLeaseTimeout - time.Minute)
			if _, err := store.HeartbeatTask(ctx, "a", "alice"); err != nil {
				t.Fatalf("heartbeat %d: %v", i, err)
			}
			if _, err := store.StartTask(ctx, "bob"); !errors.Is(err, ErrNoTasksAvailable) {
				t.Fatalf("heartbeated lease reclaimed at round %d: %v", i, err)
			}
		}
	})

	t.Run("CompletedNeverReassigned", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, WithClock(clock.Now))
		ctx := context.Background()
		mustAdd(t, store, "a")

		if _, err := store.StartTask(ctx, "alice"); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := store.CompleteTask(ctx, "a", "alice", json.RawMessage(`"done"`)); err != nil {
			t.Fatalf("complete: %v", err)
		}
		clock.Advance(24 * time.Hour)
		if _, err := store.StartTask(ctx, "bob"); !errors.Is(err, ErrNoTasksAvailable) {
			t.Fatalf("completed task must not be reassigned, got %v", err)
		}
	})

	t.Run("ListAndStats", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, WithClock(clock.Now))
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c", "d"} {
			if _, err := store.AddTask(ctx, id, "kind-"+id, json.RawMessage(`{}`)); err != nil {
				t.Fatalf("add %s: %v", id, err)
			}
			clock.Advance(time.Second)
		}
		if _, err := store.StartTask(ctx, "alice"); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := store.CompleteTask(ctx, "a", "alice", json.RawMessage(`1`)); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := store.StartTask(ctx, "bob"); err != nil {
			t.Fatalf("start: %v", err)
		}
		clock.Advance(DefaultLeaseTimeout + time.Second)

		inProgress, err := store.ListTasks(ctx, BuildListOptions(WithStatuses(StatusInProgress)))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(inProgress) != 1 || inProgress[0].ID != "b" {
			t.Fatalf("unexpected in-progress list: %+v", inProgress)
		}

		byAssignee, err := store.ListTasks(ctx, BuildListOptions(WithAssignee("alice")))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(byAssignee) != 1 || byAssignee[0].ID != "a" {
			t.Fatalf("unexpected assignee list: %+v", byAssignee)
		}

		page, err := store.ListTasks(ctx, BuildListOptions(WithLimit(2), WithOffset(1)))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 2 || page[0].ID != "b" || page[1].ID != "c" {
			t.Fatalf("unexpected page: %+v", page)
		}

		recent, err := store.ListTasks(ctx, BuildListOptions(WithSortOrder(SortByUpdatedDesc), WithType("kind-b")))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recent) != 1 || recent[0].ID != "b" {
			t.Fatalf("unexpected typed list: %+v", recent)
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		want := TaskStats{Total: 4, NotStarted: 2, InProgress: 1, Completed: 1, Stale: 1}
		stats.OldestOpen = 0
		if stats != want {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})
}

func mustAdd(t *testing.T, store Store, id string) {
	t.Helper()
	if _, err := store.AddTask(context.Background(), id, "test", json.RawMessage(`{"id":"`+id+`"}`)); err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
}
