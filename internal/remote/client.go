// Package remote is the HTTP client for the task server's REST API.
//
// Every create and update sends the complete entity: the server treats absent
// fields as explicit zero values, so there is no partial-patch call here.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/taskcache/internal/schema"
)

// APIPrefix is prepended to every request path.
const APIPrefix = "/api/v1"

// IdempotencyHeader carries the outbox record's key on mutating requests.
const IdempotencyHeader = "Idempotency-Key"

// ErrOffline is returned instead of a network attempt when the caller
// already knows the server is unreachable.
var ErrOffline = errors.New("server unreachable")

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

// DecodeError is a 2xx response whose body could not be parsed.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// API is the set of server calls the sync core depends on.
type API interface {
	CreateTask(ctx context.Context, task *schema.Task) (*schema.Task, error)
	UpdateTask(ctx context.Context, task *schema.Task) (*schema.Task, error)
	DeleteTask(ctx context.Context, id int64) error

	CreateLabel(ctx context.Context, label *schema.Label) (*schema.Label, error)
	UpdateLabel(ctx context.Context, label *schema.Label) (*schema.Label, error)
	DeleteLabel(ctx context.Context, id int64) error

	AddLabelToTask(ctx context.Context, taskID, labelID int64) error
	RemoveLabelFromTask(ctx context.Context, taskID, labelID int64) error

	ListTasks(ctx context.Context, page, perPage int) ([]*schema.Task, error)
	ListLabels(ctx context.Context, page, perPage int) ([]*schema.Label, error)
	ListProjects(ctx context.Context, page, perPage int) ([]*schema.Project, error)

	Health(ctx context.Context) error
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches key to ctx; the client sends it on the next
// mutating request made with that context.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom returns the key attached with WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. https://tasks.example.com
	BaseURL string
	// Token is sent as a bearer token when set
	Token string
	// Timeout bounds every single request (default 10s)
	Timeout time.Duration
	// HTTPClient overrides the transport (tests)
	HTTPClient *http.Client
}

// Client talks to the REST API.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
}

var _ API = (*Client)(nil)

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https (got %q)", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: base, token: cfg.Token, timeout: timeout, http: hc}, nil
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) CreateTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	var out schema.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, task, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	var out schema.Task
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d", task.ID), nil, task, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, nil, nil)
}

func (c *Client) CreateLabel(ctx context.Context, label *schema.Label) (*schema.Label, error) {
	var out schema.Label
	if err := c.do(ctx, http.MethodPost, "/labels", nil, label, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateLabel(ctx context.Context, label *schema.Label) (*schema.Label, error) {
	var out schema.Label
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/labels/%d", label.ID), nil, label, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteLabel(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/labels/%d", id), nil, nil, nil)
}

func (c *Client) AddLabelToTask(ctx context.Context, taskID, labelID int64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d/labels/%d", taskID, labelID), nil, nil, nil)
}

func (c *Client) RemoveLabelFromTask(ctx context.Context, taskID, labelID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d/labels/%d", taskID, labelID), nil, nil, nil)
}

// ListTasks returns one page of open tasks.
func (c *Client) ListTasks(ctx context.Context, page, perPage int) ([]*schema.Task, error) {
	q := pageQuery(page, perPage)
	q.Set("done", "false")
	var out []*schema.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListLabels(ctx context.Context, page, perPage int) ([]*schema.Label, error) {
	var out []*schema.Label
	if err := c.do(ctx, http.MethodGet, "/labels", pageQuery(page, perPage), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListProjects returns one page of non-archived projects.
func (c *Client) ListProjects(ctx context.Context, page, perPage int) ([]*schema.Project, error) {
	q := pageQuery(page, perPage)
	q.Set("archived", "false")
	var out []*schema.Project
	if err := c.do(ctx, http.MethodGet, "/projects", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health succeeds when the server answers its health endpoint with 2xx.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func pageQuery(page, perPage int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	return q
}

// do performs one request under the client's per-request timeout.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + APIPrefix + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method != http.MethodGet {
		if key := IdempotencyKeyFrom(ctx); key != "" {
			req.Header.Set(IdempotencyHeader, key)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Method:     method,
			Path:       APIPrefix + path,
			StatusCode: resp.StatusCode,
			Body:       string(msg),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A read that timed out mid-body is a transport failure, not bad JSON.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &DecodeError{Path: APIPrefix + path, Err: err}
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// AlreadyApplied reports whether a failed call means the server is already
// in the requested state: a delete or detach of something absent, or an
// attach of something present. Replays treat these as success.
func AlreadyApplied(action schema.ActionType, err error) bool {
	switch action {
	case schema.ActionAddLabel:
		return IsStatus(err, http.StatusConflict)
	case schema.ActionRemoveLabel, schema.ActionDelete:
		return IsStatus(err, http.StatusNotFound)
	}
	return false
}

// Paginate calls fetch for page 1, 2, ... and hands every page to each,
// stopping after the first page shorter than perPage.
func Paginate[T any](ctx context.Context, perPage int, fetch func(ctx context.Context, page, perPage int) ([]T, error), each func([]T) error) error {
	if perPage <= 0 {
		perPage = 50
	}
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := fetch(ctx, page, perPage)
		if err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
		if err := each(items); err != nil {
			return err
		}
		if len(items) < perPage {
			return nil
		}
	}
}
