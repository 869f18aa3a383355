package humantask

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"HumanLoop/internal/engine"
	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/relay"
	"HumanLoop/internal/task"
)

var fastRetry = engine.RetryPolicy{
	InitialInterval:     time.Millisecond,
	BackoffCoefficient:  2,
	MaximumInterval:     10 * time.Millisecond,
	MaximumAttempts:     3,
	StartToCloseTimeout: time.Second,
}

type harness struct {
	store     *task.MemoryStore
	engine    *engine.Engine
	queue     *relay.MemoryQueue
	requestor *Requestor
	client    *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  task.NewMemoryStore(),
		engine: engine.New(engine.WithRetryPolicy(fastRetry)),
		queue:  relay.NewMemoryQueue(64),
	}
	h.requestor = NewRequestor(h.store, WithActivityRetry(fastRetry))
	h.client = NewClient(h.engine, h.requestor)

	ctx, cancel := context.WithCancel(context.Background())
	processor := NewProcessor(h.engine, h.queue, WithWorkerCount(2))
	go func() { _ = processor.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = h.engine.Shutdown(shutdownCtx)
	})
	return h
}

// completeNext 模拟人工：领取下一个任务、提交输出并发布完成通知。
func (h *harness) completeNext(t *testing.T, worker, output string) *task.Task {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		claimed, err := h.store.StartTask(ctx, worker)
		if err == nil {
			done, err := h.store.CompleteTask(ctx, claimed.ID, worker, json.RawMessage(output))
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if err := h.queue.Publish(ctx, relay.NewNotice(done.ID, done.Output, time.Now())); err != nil {
				t.Fatalf("publish: %v", err)
			}
			return done
		}
		if !errors.Is(err, task.ErrNoTasksAvailable) {
			t.Fatalf("start: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("no task became available")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type requestOutcome struct {
	output json.RawMessage
	err    error
}

func (h *harness) requestAsync(taskType string, input any) <-chan requestOutcome {
	return requestAsync(h.client, taskType, input)
}

func requestAsync(client *Client, taskType string, input any) <-chan requestOutcome {
	ch := make(chan requestOutcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := client.Request(ctx, taskType, input)
		ch <- requestOutcome{output: out, err: err}
	}()
	return ch
}

// waitSubscribers 等待 n 个请求方都已订阅 key 对应的协调者。
func waitSubscribers(t *testing.T, r *Requestor, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.Subscribers(key) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers on %s, got %d", n, key, r.Subscribers(key))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stubStore 包装 MemoryStore，可替换 AddTask 与 GetTask 的行为。
type stubStore struct {
	*task.MemoryStore
	addTask func(ctx context.Context, id, taskType string, input json.RawMessage) (*task.Task, error)
	getTask func(ctx context.Context, id string) (*task.Task, error)
}

func (s *stubStore) AddTask(ctx context.Context, id, taskType string, input json.RawMessage) (*task.Task, error) {
	if s.addTask != nil {
		return s.addTask(ctx, id, taskType, input)
	}
	return s.MemoryStore.AddTask(ctx, id, taskType, input)
}

func (s *stubStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if s.getTask != nil {
		return s.getTask(ctx, id)
	}
	return s.MemoryStore.GetTask(ctx, id)
}

func awaitOutcome(t *testing.T, ch <-chan requestOutcome) requestOutcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(10 * time.Second):
		t.Fatal("request did not finish")
		return requestOutcome{}
	}
}

func TestDeterministicKey(t *testing.T) {
	a, err := DeterministicKey("addDigits", json.RawMessage(`{"digits":[1,2,3],"note":"x"}`))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	b, err := DeterministicKey("addDigits", json.RawMessage(` { "note":"x", "digits":[1, 2, 3] } `))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if a != b {
		t.Fatalf("equivalent inputs produced different keys: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "doHumanTask-addDigits-") || len(a) != len("doHumanTask-addDigits-")+64 {
		t.Fatalf("unexpected key format: %s", a)
	}

	other, _ := DeterministicKey("writeNumberInWords", json.RawMessage(`{"digits":[1,2,3],"note":"x"}`))
	if other == a {
		t.Fatal("task type must participate in the key")
	}
	changed, _ := DeterministicKey("addDigits", json.RawMessage(`{"digits":[1,2,4],"note":"x"}`))
	if changed == a {
		t.Fatal("different inputs produced the same key")
	}

	if _, err := DeterministicKey("addDigits", json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := DeterministicKey("", json.RawMessage(`1`)); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestSubmitterTreatsDuplicateAsSuccess(t *testing.T) {
	store := task.NewMemoryStore()
	submitter := NewSubmitter(store)
	ctx := context.Background()

	first, err := submitter.SubmitTask(ctx, "k", "t", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := store.StartTask(ctx, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := submitter.SubmitTask(ctx, "k", "t", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if again.ID != first.ID || again.Status != task.StatusInProgress {
		t.Fatalf("expected existing row, got %+v", again)
	}

	_, err = submitter.SubmitTask(ctx, "bad", "t", json.RawMessage(`{`))
	if !errors.Is(err, xerrors.New(task.CodeTaskSubmission, "")) {
		t.Fatalf("expected submission failure, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("validation failures must not be retried")
	}
}

func TestClientRequestRoundTrip(t *testing.T) {
	h := newHarness(t)
	pending := h.requestAsync("addDigits", map[string]any{"digits": []int{1, 2, 3}})

	done := h.completeNext(t, "alice", `{"sum":6}`)
	outcome := awaitOutcome(t, pending)
	if outcome.err != nil {
		t.Fatalf("request: %v", outcome.err)
	}
	if string(outcome.output) != `{"sum":6}` {
		t.Fatalf("unexpected output %s", outcome.output)
	}
	if !strings.HasPrefix(done.ID, "doHumanTask-addDigits-") {
		t.Fatalf("task id is not the deterministic key: %s", done.ID)
	}
}

func TestCompletedTaskIsMemoized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := json.RawMessage(`{"number":7}`)
	key, _ := DeterministicKey("writeNumberInWords", input)

	if _, err := h.store.AddTask(ctx, key, "writeNumberInWords", input); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := h.store.StartTask(ctx, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.store.CompleteTask(ctx, key, "alice", json.RawMessage(`{"text":"seven"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err := h.client.Request(ctx, "writeNumberInWords", input)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(out) != `{"text":"seven"}` {
		t.Fatalf("unexpected output %s", out)
	}
	if h.engine.Running(key) {
		t.Fatal("memoized request must not start a coordinator")
	}
	stats, _ := h.store.Stats(ctx)
	if stats.Total != 1 {
		t.Fatalf("expected a single row, got %d", stats.Total)
	}
}

func TestConcurrentRequestsShareOneTask(t *testing.T) {
	h := newHarness(t)
	const callers = 5
	input := json.RawMessage(`{"digits":[4,5]}`)
	key, _ := DeterministicKey("addDigits", input)

	outcomes := make([]<-chan requestOutcome, callers)
	for i := range outcomes {
		outcomes[i] = h.requestAsync("addDigits", input)
	}

	// 全部请求方都在等待同一个协调者之后才完成任务，排除已完成行的快速路径。
	waitSubscribers(t, h.requestor, key, callers)
	if !h.engine.Running(key) {
		t.Fatal("coordinator must be running while callers wait")
	}
	h.completeNext(t, "alice", `{"sum":9}`)
	for i, ch := range outcomes {
		outcome := awaitOutcome(t, ch)
		if outcome.err != nil {
			t.Fatalf("caller %d: %v", i, outcome.err)
		}
		if string(outcome.output) != `{"sum":9}` {
			t.Fatalf("caller %d got %s", i, outcome.output)
		}
	}
	if n := h.requestor.Subscribers(key); n != 0 {
		t.Fatalf("expected every subscriber to be released, %d still waiting", n)
	}

	stats, _ := h.store.Stats(context.Background())
	if stats.Total != 1 || stats.Completed != 1 {
		t.Fatalf("expected exactly one completed row, got %+v", stats)
	}
}

func TestSubmissionFailureIsBroadcast(t *testing.T) {
	h := newHarness(t)
	const callers = 3
	gate := make(chan struct{})
	var attempts atomic.Int32
	store := &stubStore{
		MemoryStore: h.store,
		addTask: func(ctx context.Context, id, taskType string, input json.RawMessage) (*task.Task, error) {
			attempts.Add(1)
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, xerrors.New(xerrors.CodeStorageFailure, "disk full")
		},
	}
	requestor := NewRequestor(store, WithActivityRetry(fastRetry))
	client := NewClient(h.engine, requestor)
	input := json.RawMessage(`{"digits":[6,6]}`)
	key, _ := DeterministicKey("addDigits", input)

	outcomes := make([]<-chan requestOutcome, callers)
	for i := range outcomes {
		outcomes[i] = requestAsync(client, "addDigits", input)
	}
	waitSubscribers(t, requestor, key, callers)
	close(gate)

	for i, ch := range outcomes {
		outcome := awaitOutcome(t, ch)
		var failure *Failure
		if !errors.As(outcome.err, &failure) {
			t.Fatalf("caller %d: expected *Failure, got %v", i, outcome.err)
		}
		if failure.Code != task.CodeTaskSubmission {
			t.Fatalf("caller %d: expected TASK_SUBMISSION_FAILED, got %s", i, failure.Code)
		}
	}
	if got := attempts.Load(); got != int32(fastRetry.MaximumAttempts) {
		t.Fatalf("expected one coordinator with %d submit attempts, got %d", fastRetry.MaximumAttempts, got)
	}
}

func TestLostNoticeRecoveredFromTaskRow(t *testing.T) {
	h := newHarness(t)
	requestor := NewRequestor(h.store, WithActivityRetry(fastRetry), WithCompletionCheckInterval(20*time.Millisecond))
	client := NewClient(h.engine, requestor)
	input := json.RawMessage(`{"digits":[2,3]}`)
	key, _ := DeterministicKey("addDigits", input)
	ctx := context.Background()

	pending := requestAsync(client, "addDigits", input)
	waitSubscribers(t, requestor, key, 1)

	claimed, err := h.store.StartTask(ctx, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := h.store.CompleteTask(ctx, claimed.ID, "alice", json.RawMessage(`{"sum":5}`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 另一个 worker 进程抢到了通知，但协调者不在它的引擎上。
	other := engine.New()
	defer other.Shutdown(context.Background())
	if err := NewProcessor(other, relay.NewMemoryQueue(1)).Handle(ctx, relay.NewNotice(done.ID, done.Output, time.Now())); err != nil {
		t.Fatalf("handle: %v", err)
	}

	outcome := awaitOutcome(t, pending)
	if outcome.err != nil {
		t.Fatalf("request: %v", outcome.err)
	}
	if string(outcome.output) != `{"sum":5}` {
		t.Fatalf("unexpected output %s", outcome.output)
	}
}

func TestCoordinatorPanicBroadcastsFailure(t *testing.T) {
	cases := []struct {
		name  string
		input string
		stub  func(h *harness) *stubStore
	}{
		{
			name:  "panic inside submit activity",
			input: `{"digits":[7]}`,
			stub: func(h *harness) *stubStore {
				return &stubStore{
					MemoryStore: h.store,
					addTask: func(context.Context, string, string, json.RawMessage) (*task.Task, error) {
						panic("driver exploded")
					},
				}
			},
		},
		{
			name:  "panic while re-reading the task row",
			input: `{"digits":[8]}`,
			stub: func(h *harness) *stubStore {
				var reads atomic.Int32
				return &stubStore{
					MemoryStore: h.store,
					getTask: func(ctx context.Context, id string) (*task.Task, error) {
						// 第一次读取来自请求方的快速路径检查。
						if reads.Add(1) == 1 {
							return h.store.GetTask(ctx, id)
						}
						panic("driver exploded")
					},
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			requestor := NewRequestor(tc.stub(h), WithActivityRetry(fastRetry), WithCompletionCheckInterval(20*time.Millisecond))
			client := NewClient(h.engine, requestor)
			key, _ := DeterministicKey("addDigits", json.RawMessage(tc.input))

			outcome := awaitOutcome(t, requestAsync(client, "addDigits", json.RawMessage(tc.input)))
			var failure *Failure
			if !errors.As(outcome.err, &failure) {
				t.Fatalf("expected *Failure, got %v", outcome.err)
			}
			if failure.Code != xerrors.CodeUnknown || !strings.Contains(failure.Message, "driver exploded") {
				t.Fatalf("unexpected failure %+v", failure)
			}
			deadline := time.Now().Add(5 * time.Second)
			for h.engine.Running(key) {
				if time.Now().After(deadline) {
					t.Fatal("coordinator must terminate after a panic")
				}
				time.Sleep(5 * time.Millisecond)
			}
		})
	}
}

func TestFreshCoordinatorFinalizesCompletedRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	input := json.RawMessage(`{"digits":[1]}`)
	key, _ := DeterministicKey("addDigits", input)

	if _, err := h.store.AddTask(ctx, key, "addDigits", input); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := h.store.StartTask(ctx, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.store.CompleteTask(ctx, key, "alice", json.RawMessage(`{"sum":1}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 绕过快速路径：订阅方直接 signal-with-start 一个新的协调者。
	coordinator := NewCoordinator(NewSubmitter(h.store))
	handle, err := h.engine.Start(ctx, engine.StartOptions{ID: "subscriber"}, func(wf *engine.Workflow) (any, error) {
		var got *Result
		wf.SetHandler(SignalCompleted, func(p any) {
			r, _ := resultFrom(p)
			got = &r
		})
		if _, err := wf.SignalWithStart(wf.Context(), engine.StartOptions{ID: key}, coordinator.Run("addDigits", input), SignalSubscribe, wf.ID()); err != nil {
			return nil, err
		}
		if err := wf.Await(func() bool { return got != nil }); err != nil {
			return nil, err
		}
		return *got, nil
	})
	if err != nil {
		t.Fatalf("start subscriber: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	value, err := handle.Result(waitCtx)
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	result := value.(Result)
	if result.Failure != nil || string(result.Output) != `{"sum":1}` {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCanceledCoordinatorBroadcastsFailure(t *testing.T) {
	h := newHarness(t)
	input := json.RawMessage(`{"digits":[9,9]}`)
	key, _ := DeterministicKey("addDigits", input)
	pending := h.requestAsync("addDigits", input)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := h.store.GetTask(context.Background(), key); err == nil && h.engine.Running(key) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("coordinator did not create the task")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := h.engine.Cancel(key); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	outcome := awaitOutcome(t, pending)
	var failure *Failure
	if !errors.As(outcome.err, &failure) {
		t.Fatalf("expected *Failure, got %v", outcome.err)
	}
	if failure.Code != xerrors.CodeCanceled {
		t.Fatalf("expected CANCELED failure, got %s", failure.Code)
	}
}

func TestRequestDecodesTypedOutput(t *testing.T) {
	h := newHarness(t)
	type sumInput struct {
		Digits []int `json:"digits"`
	}
	type sumOutput struct {
		Sum int `json:"sum"`
	}

	handle, err := h.engine.Start(context.Background(), engine.StartOptions{ID: "parent"}, func(wf *engine.Workflow) (any, error) {
		var (
			wg      sync.WaitGroup
			results [2]sumOutput
			errs    [2]error
		)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = Request[sumInput, sumOutput](wf, h.requestor, "addDigits", sumInput{Digits: []int{i, 1}})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return results[0].Sum + results[1].Sum, nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.completeNext(t, "alice", `{"sum":10}`)
	h.completeNext(t, "alice", `{"sum":20}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := handle.Result(ctx)
	if err != nil {
		t.Fatalf("parent: %v", err)
	}
	if value.(int) != 30 {
		t.Fatalf("unexpected total %v", value)
	}
}

func TestProcessorDropsNoticeWithoutCoordinator(t *testing.T) {
	e := engine.New()
	defer e.Shutdown(context.Background())
	p := NewProcessor(e, relay.NewMemoryQueue(1))
	if err := p.Handle(context.Background(), relay.Notice{TaskID: "gone", Output: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("expected notice to be dropped, got %v", err)
	}
}
