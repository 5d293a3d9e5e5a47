// Package skclient is the typed HTTP client for the Super-Kanban API. It
// carries split read/write credentials, normalizes the base URL, bounds every
// request with a deadline, and reports protocol failures with the server body
// attached.
package skclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds each request; the configured value is clamped
	// to MinTimeout.
	DefaultTimeout = 10 * time.Second
	MinTimeout     = 500 * time.Millisecond

	integrationPrefix = "/integrations/openclaw"
)

// Default write paths, overridable for deployments that mount the
// integration under a different route.
const (
	DefaultAttachPath    = integrationPrefix + "/sessions/attach"
	DefaultMessagesPath  = integrationPrefix + "/messages"
	DefaultToolCallsPath = integrationPrefix + "/tool-calls"
)

// ErrAuthMissing means no credential resolves for a requested scope.
var ErrAuthMissing = errors.New("super-kanban: no credential for scope")

// ErrTaskLocked is returned when SK reports the task lock is already held.
var ErrTaskLocked = errors.New("super-kanban: task locked")

// APIError is a non-2xx response with the server payload attached.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("super-kanban: status %d", e.Status)
	}
	return fmt.Sprintf("super-kanban: status %d: %s", e.Status, e.Body)
}

// HeaderPair is a credential header override for one auth scope.
type HeaderPair struct {
	Name  string
	Value string
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	BearerToken string // read-scope preference
	APIKey      string // write-scope preference

	ReadHeader   *HeaderPair // per-scope override, wins for reads
	WriteHeader  *HeaderPair // per-scope override, wins for writes
	LegacyHeader *HeaderPair // global override when neither scope header is set

	Timeout time.Duration

	AttachPath    string
	MessagesPath  string
	ToolCallsPath string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to Super-Kanban.
type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
	logger  *slog.Logger
}

// New validates the options and returns a ready client. Construction fails
// with ErrAuthMissing when no credential is configured at all, so a
// misconfigured daemon dies at startup rather than on its first tick.
func New(opts Options) (*Client, error) {
	base, err := NormalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Timeout < MinTimeout {
		opts.Timeout = MinTimeout
	}
	if opts.AttachPath == "" {
		opts.AttachPath = DefaultAttachPath
	}
	if opts.MessagesPath == "" {
		opts.MessagesPath = DefaultMessagesPath
	}
	if opts.ToolCallsPath == "" {
		opts.ToolCallsPath = DefaultToolCallsPath
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{baseURL: base, opts: opts, http: httpClient, logger: logger}
	if _, _, err := c.credentialFor("read"); err != nil {
		return nil, err
	}
	if _, _, err := c.credentialFor("write"); err != nil {
		return nil, err
	}
	return c, nil
}

// FromEnv builds Options from the process environment.
func FromEnv() Options {
	opts := Options{
		BaseURL:     firstEnv("SUPER_KANBAN_BASE_URL", "SUPERKANBAN_BASE_URL"),
		BearerToken: firstEnv("SUPER_KANBAN_TOKEN", "SUPERKANBAN_BEARER_TOKEN"),
		APIKey:      firstEnv("SUPERKANBAN_API_KEY", "SUPER_KANBAN_API_KEY"),
	}
	if raw := os.Getenv("SUPER_KANBAN_AUTH_HEADER"); raw != "" {
		if name, value, ok := strings.Cut(raw, ":"); ok {
			opts.LegacyHeader = &HeaderPair{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)}
		}
	}
	return opts
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// NormalizeBaseURL canonicalizes a configured base URL to <scheme>://host/…/api.
// A trailing integration mount or bare /api suffix is stripped before /api is
// re-appended, so all accepted spellings resolve to the same endpoint root.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("super-kanban: base URL required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("super-kanban: invalid base URL %q", raw)
	}
	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, "/api"+integrationPrefix)
	path = strings.TrimSuffix(path, "/api")
	u.Path = path + "/api"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// credentialFor resolves the header to attach for a scope, in precedence
// order: per-scope override, legacy global override, then bearer/API key with
// the scope-dependent preference.
func (c *Client) credentialFor(scope string) (name, value string, err error) {
	var scoped *HeaderPair
	if scope == "read" {
		scoped = c.opts.ReadHeader
	} else {
		scoped = c.opts.WriteHeader
	}
	if scoped != nil && scoped.Name != "" {
		return scoped.Name, scoped.Value, nil
	}
	if c.opts.ReadHeader == nil && c.opts.WriteHeader == nil && c.opts.LegacyHeader != nil && c.opts.LegacyHeader.Name != "" {
		return c.opts.LegacyHeader.Name, c.opts.LegacyHeader.Value, nil
	}
	if scope == "read" {
		if c.opts.BearerToken != "" {
			return "Authorization", "Bearer " + c.opts.BearerToken, nil
		}
		if c.opts.APIKey != "" {
			return "X-Api-Key", c.opts.APIKey, nil
		}
	} else {
		if c.opts.APIKey != "" {
			return "X-Api-Key", c.opts.APIKey, nil
		}
		if c.opts.BearerToken != "" {
			return "Authorization", "Bearer " + c.opts.BearerToken, nil
		}
	}
	return "", "", fmt.Errorf("%w %q", ErrAuthMissing, scope)
}

func scopeForMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	default:
		return "write"
	}
}

// do issues one request. Out, when non-nil, receives the decoded "data"
// envelope member.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("super-kanban: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	name, value, err := c.credentialFor(scopeForMethod(method))
	if err != nil {
		return err
	}
	req.Header.Set(name, value)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("super-kanban: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("super-kanban: read %s %s: %w", method, path, err)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("super-kanban: decode %s %s: %w", method, path, err)
	}
	payload := envelope.Data
	if payload == nil {
		payload = raw
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("super-kanban: decode %s %s: %w", method, path, err)
	}
	return nil
}

// --- integration writes ---

func (c *Client) UpsertProject(ctx context.Context, req UpsertProjectRequest) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodPost, integrationPrefix+"/projects/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpsertWorkItem(ctx context.Context, req UpsertWorkItemRequest) (*WorkItem, error) {
	var out WorkItem
	if err := c.do(ctx, http.MethodPost, integrationPrefix+"/work-items/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpsertTask(ctx context.Context, req UpsertTaskRequest) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, integrationPrefix+"/tasks/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachSession binds a session to an entity. SK treats repeated
// Attach-RUNNING with the same sessionKey as idempotent.
func (c *Client) AttachSession(ctx context.Context, req AttachSessionRequest) error {
	return c.do(ctx, http.MethodPost, c.opts.AttachPath, req, nil)
}

// RecordMessage posts one transcript message, idempotent by messageKey.
func (c *Client) RecordMessage(ctx context.Context, req RecordMessageRequest) error {
	return c.do(ctx, http.MethodPost, c.opts.MessagesPath, req, nil)
}

// RecordToolCall posts one tool-call lifecycle record, idempotent by
// toolCallKey.
func (c *Client) RecordToolCall(ctx context.Context, req RecordToolCallRequest) error {
	return c.do(ctx, http.MethodPost, c.opts.ToolCallsPath, req, nil)
}

// PostEvent records an idempotent comment-style event, keyed by EventID.
func (c *Client) PostEvent(ctx context.Context, req EventRequest) error {
	return c.do(ctx, http.MethodPost, integrationPrefix+"/events", req, nil)
}

// LockTask acquires the distributed task lock. A 409 or 423 response maps to
// ErrTaskLocked so callers can surface a structured conflict.
func (c *Client) LockTask(ctx context.Context, taskID, owner string, ttlSeconds int) error {
	body := map[string]any{"owner": owner, "ttlSeconds": ttlSeconds}
	err := c.do(ctx, http.MethodPost, integrationPrefix+"/tasks/"+url.PathEscape(taskID)+"/lock", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusConflict || apiErr.Status == http.StatusLocked) {
		return fmt.Errorf("%w: %s", ErrTaskLocked, taskID)
	}
	return err
}

// UnlockTask releases the task lock. Unlocking a lock held by someone else is
// SK's call to reject; the client just reports it.
func (c *Client) UnlockTask(ctx context.Context, taskID, owner string) error {
	body := map[string]any{"owner": owner}
	return c.do(ctx, http.MethodPost, integrationPrefix+"/tasks/"+url.PathEscape(taskID)+"/unlock", body, nil)
}

// PatchStatus updates an entity's status. Kind is one of "projects",
// "work-items", "tasks".
func (c *Client) PatchStatus(ctx context.Context, kind, id, status string) error {
	return c.do(ctx, http.MethodPatch, "/"+kind+"/"+url.PathEscape(id), map[string]any{"status": status}, nil)
}

// PatchArchived flips an entity's archived flag.
func (c *Client) PatchArchived(ctx context.Context, kind, id string, archived bool) error {
	return c.do(ctx, http.MethodPatch, "/"+kind+"/"+url.PathEscape(id), map[string]any{"archived": archived}, nil)
}

// --- UI reads ---

func (c *Client) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	path := "/projects"
	if includeArchived {
		path += "?includeArchived=true"
	}
	var out []Project
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	var out WorkItem
	if err := c.do(ctx, http.MethodGet, "/work-items/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListWorkItems(ctx context.Context, projectID string) ([]WorkItem, error) {
	var out []WorkItem
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/work-items", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context, workItemID string) ([]Task, error) {
	var out []Task
	if err := c.do(ctx, http.MethodGet, "/work-items/"+url.PathEscape(workItemID)+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEntitySessions lists execution sessions for an entity, newest first,
// capped at 50 server-side. Kind is "projects", "work-items", or "tasks".
func (c *Client) ListEntitySessions(ctx context.Context, kind, id string) ([]Session, error) {
	var out []Session
	path := "/" + kind + "/" + url.PathEscape(id) + "/sessions?limit=50"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveSession looks up a session by key. A 404 means "unknown here" and
// returns (nil, nil) rather than an error.
func (c *Client) ResolveSession(ctx context.Context, sessionKey string) (*Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/sessions/resolve?sessionKey="+url.QueryEscape(sessionKey), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
