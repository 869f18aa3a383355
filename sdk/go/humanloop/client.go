package humanloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Task statuses reported by the gateway.
const (
	StatusNotStarted = "not-started"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

// Client wraps the HTTP interactions with the HumanLoop gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Task mirrors the gateway's task representation.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Assignee  string          `json:"assignee,omitempty"`
	Status    string          `json:"status"`
	Heartbeat *time.Time      `json:"heartbeat,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// TaskPage is a page of tasks returned by List.
type TaskPage struct {
	Tasks  []Task `json:"tasks"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// ListParams filters the List call. Zero values are omitted.
type ListParams struct {
	Statuses []string
	Type     string
	Assignee string
	Limit    int
	Offset   int
	Order    string
}

// Stats summarises the task table.
type Stats struct {
	Total      int   `json:"total"`
	NotStarted int   `json:"not_started"`
	InProgress int   `json:"in_progress"`
	Completed  int   `json:"completed"`
	Stale      int   `json:"stale"`
	OldestOpen int64 `json:"oldest_open_created_at,omitempty"`
}

// WorkflowRun describes a demo workflow run.
type WorkflowRun struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	State       string          `json:"state"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// APIError represents an error reported by the gateway.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("humanloop api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("humanloop api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the gateway at rawURL. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Start claims the next eligible task for assignee.
func (c *Client) Start(ctx context.Context, assignee string) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodPost, "/start", url.Values{"assignee": {assignee}}, nil, &out)
	return out, err
}

// Heartbeat refreshes the lease on taskID. An empty assignee skips the
// ownership check on the server.
func (c *Client) Heartbeat(ctx context.Context, taskID, assignee string) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodPost, "/heartbeat/"+url.PathEscape(taskID), assigneeQuery(assignee), nil, &out)
	return out, err
}

// Complete submits output for taskID. output is encoded as JSON unless it is
// already a json.RawMessage.
func (c *Client) Complete(ctx context.Context, taskID, assignee string, output any) (Task, error) {
	body, err := encodeBody(output)
	if err != nil {
		return Task{}, err
	}
	var out Task
	err = c.send(ctx, http.MethodPost, "/complete/"+url.PathEscape(taskID), assigneeQuery(assignee), body, &out)
	return out, err
}

// List returns a page of tasks.
func (c *Client) List(ctx context.Context, params ListParams) (TaskPage, error) {
	query := url.Values{}
	if len(params.Statuses) > 0 {
		query.Set("status", strings.Join(params.Statuses, ","))
	}
	if params.Type != "" {
		query.Set("type", params.Type)
	}
	if params.Assignee != "" {
		query.Set("assignee", params.Assignee)
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		query.Set("offset", strconv.Itoa(params.Offset))
	}
	if params.Order != "" {
		query.Set("order", params.Order)
	}
	var page TaskPage
	err := c.send(ctx, http.MethodGet, "/list", query, nil, &page)
	return page, err
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, &out)
	return out, err
}

// Stats fetches task table statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.send(ctx, http.MethodGet, "/stats", nil, nil, &out)
	return out, err
}

// StartWorkflow starts a named demo workflow with input.
func (c *Client) StartWorkflow(ctx context.Context, name string, input any) (WorkflowRun, error) {
	body, err := encodeBody(input)
	if err != nil {
		return WorkflowRun{}, err
	}
	var out WorkflowRun
	err = c.send(ctx, http.MethodPost, "/workflows/"+url.PathEscape(name), nil, body, &out)
	return out, err
}

// GetWorkflow fetches a workflow run.
func (c *Client) GetWorkflow(ctx context.Context, runID string) (WorkflowRun, error) {
	var out WorkflowRun
	err := c.send(ctx, http.MethodGet, "/workflows/"+url.PathEscape(runID), nil, nil, &out)
	return out, err
}

func assigneeQuery(assignee string) url.Values {
	if assignee == "" {
		return nil
	}
	return url.Values{"assignee": {assignee}}
}

func encodeBody(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, body []byte, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
