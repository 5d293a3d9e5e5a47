package skclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://kanban.example.com", "https://kanban.example.com/api", false},
		{"https://kanban.example.com/", "https://kanban.example.com/api", false},
		{"https://kanban.example.com/api", "https://kanban.example.com/api", false},
		{"https://kanban.example.com/api/", "https://kanban.example.com/api", false},
		{"https://kanban.example.com/api/integrations/openclaw", "https://kanban.example.com/api", false},
		{"https://kanban.example.com/nested/api", "https://kanban.example.com/nested/api", false},
		{"", "", true},
		{"not a url", "", true},
		{"/just/a/path", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeBaseURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeBaseURL(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeBaseURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNew_AuthMissing(t *testing.T) {
	_, err := New(Options{BaseURL: "https://kanban.example.com"})
	if !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("expected ErrAuthMissing, got %v", err)
	}
}

func TestCredentialFor_ScopeResolution(t *testing.T) {
	mk := func(opts Options) *Client {
		opts.BaseURL = "https://kanban.example.com"
		c, err := New(opts)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c
	}

	// Bearer only: read prefers bearer, write falls back to it.
	c := mk(Options{BearerToken: "tok"})
	name, value, _ := c.credentialFor("read")
	if name != "Authorization" || value != "Bearer tok" {
		t.Fatalf("read cred: %s=%s", name, value)
	}
	name, _, _ = c.credentialFor("write")
	if name != "Authorization" {
		t.Fatalf("write fallback cred: %s", name)
	}

	// Both: write prefers API key.
	c = mk(Options{BearerToken: "tok", APIKey: "key"})
	name, value, _ = c.credentialFor("write")
	if name != "X-Api-Key" || value != "key" {
		t.Fatalf("write cred: %s=%s", name, value)
	}
	name, _, _ = c.credentialFor("read")
	if name != "Authorization" {
		t.Fatalf("read cred: %s", name)
	}

	// Per-scope override beats everything for its scope.
	c = mk(Options{APIKey: "key", WriteHeader: &HeaderPair{Name: "X-Custom", Value: "v"}})
	name, _, _ = c.credentialFor("write")
	if name != "X-Custom" {
		t.Fatalf("scope override: %s", name)
	}
	name, _, _ = c.credentialFor("read")
	if name != "X-Api-Key" {
		t.Fatalf("read without override: %s", name)
	}

	// Legacy global header applies when no scope header is configured.
	c = mk(Options{LegacyHeader: &HeaderPair{Name: "X-Legacy", Value: "v"}})
	name, _, _ = c.credentialFor("read")
	if name != "X-Legacy" {
		t.Fatalf("legacy read: %s", name)
	}
	name, _, _ = c.credentialFor("write")
	if name != "X-Legacy" {
		t.Fatalf("legacy write: %s", name)
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, BearerToken: "tok", APIKey: "key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestUpsertProject(t *testing.T) {
	var gotPath, gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("X-Api-Key")
		var req UpsertProjectRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"data": Project{ID: "p-1", ExternalID: req.ExternalID, Name: req.Name}})
	}))
	p, err := c.UpsertProject(context.Background(), UpsertProjectRequest{ExternalID: "project:acme", Name: "acme"})
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if gotPath != "/api/integrations/openclaw/projects/upsert" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "key" {
		t.Fatalf("write scope used %q", gotAuth)
	}
	if p.ID != "p-1" || p.ExternalID != "project:acme" {
		t.Fatalf("project = %+v", p)
	}
}

func TestReadUsesBearerScope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("read request auth = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []Project{{ID: "p-1"}}})
	}))
	projects, err := c.ListProjects(context.Background(), false)
	if err != nil || len(projects) != 1 {
		t.Fatalf("ListProjects: %v %v", projects, err)
	}
}

func TestAPIError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad entity"}`, http.StatusBadRequest)
	}))
	err := c.AttachSession(context.Background(), AttachSessionRequest{SessionKey: "s1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Body == "" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestLockTask_Conflict(t *testing.T) {
	for _, status := range []int{http.StatusConflict, http.StatusLocked} {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		err := c.LockTask(context.Background(), "t-1", "sess-1", 3600)
		if !errors.Is(err, ErrTaskLocked) {
			t.Fatalf("status %d: expected ErrTaskLocked, got %v", status, err)
		}
	}
}

func TestResolveSession_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	sess, err := c.ResolveSession(context.Background(), "sess-missing")
	if err != nil || sess != nil {
		t.Fatalf("404 resolve should be (nil, nil), got %v, %v", sess, err)
	}
}

func TestResolveSession_Found(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sessionKey") != "sess-1" {
			t.Errorf("sessionKey query = %q", r.URL.Query().Get("sessionKey"))
		}
		json.NewEncoder(w).Encode(map[string]any{"data": Session{ID: "x", SessionKey: "sess-1", State: SessionRunning}})
	}))
	sess, err := c.ResolveSession(context.Background(), "sess-1")
	if err != nil || sess == nil || sess.State != SessionRunning {
		t.Fatalf("resolve: %v, %v", sess, err)
	}
}

func TestTimeout(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	c.opts.Timeout = MinTimeout
	start := time.Now()
	err := c.AttachSession(context.Background(), AttachSessionRequest{SessionKey: "s1"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied, took %v", time.Since(start))
	}
}

func TestCustomRecordPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
	}))
	defer srv.Close()
	c, err := New(Options{
		BaseURL:       srv.URL,
		APIKey:        "key",
		AttachPath:    "/custom/attach",
		MessagesPath:  "/custom/messages",
		ToolCallsPath: "/custom/tool-calls",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	c.AttachSession(ctx, AttachSessionRequest{SessionKey: "s"})
	c.RecordMessage(ctx, RecordMessageRequest{SessionKey: "s"})
	c.RecordToolCall(ctx, RecordToolCallRequest{SessionKey: "s"})
	want := []string{"/api/custom/attach", "/api/custom/messages", "/api/custom/tool-calls"}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("path[%d] = %q, want %q", i, paths[i], p)
		}
	}
}
