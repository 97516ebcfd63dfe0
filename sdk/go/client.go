package ottotasksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ottotask HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// AuditRecord is one audit log entry.
type AuditRecord struct {
	Timestamp     string         `json:"timestamp"`
	Action        string         `json:"action"`
	PreviousState string         `json:"previous_state"`
	NewState      string         `json:"new_state"`
	Actor         string         `json:"actor"`
	Details       map[string]any `json:"details"`
	Checksum      string         `json:"checksum"`
}

// Task represents the API task model.
type Task struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	State          string  `json:"state"`
	Priority       string  `json:"priority"`
	SecurityLevel  string  `json:"security_level"`
	AssignedTo     *string `json:"assigned_to"`
	DueDate        *string `json:"due_date"`
	CompletionDate *string `json:"completion_date"`
	Overdue        bool    `json:"overdue"`
	Metadata       struct {
		CreatedBy    string         `json:"created_by"`
		CreatedAt    string         `json:"created_at"`
		UpdatedAt    string         `json:"updated_at"`
		UpdatedBy    *string        `json:"updated_by"`
		Tags         []string       `json:"tags"`
		CustomFields map[string]any `json:"custom_fields"`
	} `json:"metadata"`
	AuditLog []AuditRecord `json:"audit_log"`
	Checksum string        `json:"checksum"`
	Version  int           `json:"version"`
}

// Statistics mirrors the stats view.
type Statistics struct {
	TotalTasks     int     `json:"total_tasks"`
	Pending        int     `json:"pending"`
	InProgress     int     `json:"in_progress"`
	Secured        int     `json:"secured"`
	CompletionRate float64 `json:"completion_rate"`
}

// CreateTaskInput holds the optional fields of a new task.
type CreateTaskInput struct {
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	SecurityLevel string         `json:"security_level,omitempty"`
	AssignedTo    string         `json:"assigned_to,omitempty"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns the tasks in state.
func (c *Client) ListTasks(ctx context.Context, state string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	endpoint := "tasks?state=" + url.QueryEscape(state)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Transition moves a task to state. An empty actor lets the server pick its
// default.
func (c *Client) Transition(ctx context.Context, id, state, actor string, details map[string]any) (Task, error) {
	body := map[string]any{"to": state}
	if actor != "" {
		body["actor"] = actor
	}
	if details != nil {
		body["details"] = details
	}
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/transitions", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AuditLog returns the audit history of a task.
func (c *Client) AuditLog(ctx context.Context, id string) ([]AuditRecord, error) {
	var resp struct {
		Items []AuditRecord `json:"items"`
	}
	endpoint := fmt.Sprintf("tasks/%s/audit", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// Overdue returns open tasks past their due date.
func (c *Client) Overdue(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "views/overdue", nil, &resp)
	return resp.Items, err
}

// Stats returns task statistics.
func (c *Client) Stats(ctx context.Context) (Statistics, error) {
	var resp Statistics
	err := c.do(ctx, http.MethodGet, "views/stats", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
