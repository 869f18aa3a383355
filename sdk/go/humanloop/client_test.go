package humanloop

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestStartSendsAssignee(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/start" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("assignee"); got != "alice" {
			t.Errorf("unexpected assignee: %q", got)
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: StatusInProgress, Assignee: "alice"})
	})

	claimed, err := client.Start(context.Background(), "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if claimed.ID != "t-1" || claimed.Status != StatusInProgress {
		t.Fatalf("unexpected task: %+v", claimed)
	}
}

func TestCompleteSendsRawBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/complete/t-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Has("assignee") {
			t.Errorf("assignee should be omitted when empty")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"sum":6}` {
			t.Errorf("unexpected body: %s", body)
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: StatusCompleted, Output: body})
	})

	done, err := client.Complete(context.Background(), "t-1", "", json.RawMessage(`{"sum":6}`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", done.Status)
	}
}

func TestListEncodesFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "not-started,in-progress" || q.Get("type") != "add-digits" || q.Get("limit") != "5" || q.Get("offset") != "10" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(TaskPage{Tasks: []Task{{ID: "t-11"}}, Limit: 5, Offset: 10})
	})

	page, err := client.List(context.Background(), ListParams{
		Statuses: []string{StatusNotStarted, StatusInProgress},
		Type:     "add-digits",
		Limit:    5,
		Offset:   10,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Tasks) != 1 || page.Limit != 5 || page.Offset != 10 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"structured", http.StatusConflict, `{"error":{"code":"TASK_NOT_STARTED","message":"task not started"}}`, "TASK_NOT_STARTED", "task not started"},
		{"plain text", http.StatusBadGateway, "upstream down", "", "upstream down"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := client.Heartbeat(context.Background(), "t-1", "alice")
			apiErr, ok := err.(*APIError)
			if !ok {
				t.Fatalf("expected APIError, got %T (%v)", err, err)
			}
			if apiErr.StatusCode != tc.status || apiErr.Code != tc.wantCode || apiErr.Message != tc.wantMsg {
				t.Fatalf("unexpected error: %+v", apiErr)
			}
			if tc.wantCode != "" && !IsCode(err, tc.wantCode) {
				t.Fatalf("IsCode(%s) = false", tc.wantCode)
			}
		})
	}
}
