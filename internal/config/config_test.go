package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != dir {
		t.Fatalf("state dir = %q", cfg.StateDir)
	}
	if cfg.Exporter.PollIntervalMs != 1000 || cfg.Exporter.PluginID != "super-kanban" {
		t.Fatalf("exporter defaults: %+v", cfg.Exporter)
	}
	if cfg.SuperKanban.TimeoutMs != 10000 {
		t.Fatalf("timeout default: %d", cfg.SuperKanban.TimeoutMs)
	}
	if cfg.Controller.TaskLockTTLSeconds != 3600 {
		t.Fatalf("lock ttl default: %d", cfg.Controller.TaskLockTTLSeconds)
	}
	if cfg.Gateway.MaxBufferedBytes != 1<<20 {
		t.Fatalf("gateway defaults: %+v", cfg.Gateway)
	}
}

func TestLoad_FileAndNormalization(t *testing.T) {
	dir := t.TempDir()
	content := `
log_level: debug
exporter:
  poll_interval_ms: 100
  redaction_mode: tools
super_kanban:
  base_url: https://kanban.example.com
  timeout_ms: 100
controller:
  task_lock_ttl_seconds: 5
`
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Exporter.RedactionMode != "tools" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	// Floors applied.
	if cfg.Exporter.PollIntervalMs != 250 {
		t.Fatalf("poll interval floor: %d", cfg.Exporter.PollIntervalMs)
	}
	if cfg.SuperKanban.TimeoutMs != 500 {
		t.Fatalf("timeout floor: %d", cfg.SuperKanban.TimeoutMs)
	}
	if cfg.Controller.TaskLockTTLSeconds != 60 {
		t.Fatalf("lock ttl floor: %d", cfg.Controller.TaskLockTTLSeconds)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPER_KANBAN_BASE_URL", "https://env.example.com")
	t.Setenv("SUPERKANBAN_API_KEY", "env-key")
	t.Setenv("OPENCLAW_TELEGRAM_DEDUP_VOICE", "1")
	t.Setenv("BRAVE_SEARCH_MIN_INTERVAL_MS", "1500")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SuperKanban.BaseURL != "https://env.example.com" || cfg.SuperKanban.APIKey != "env-key" {
		t.Fatalf("env overrides lost: %+v", cfg.SuperKanban)
	}
	if !cfg.Telegram.DedupVoice {
		t.Fatal("dedup voice env ignored")
	}
	if cfg.Search.MinIntervalMs != 1500 {
		t.Fatalf("search interval = %d", cfg.Search.MinIntervalMs)
	}
}

func TestLoad_SchemaRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("exporter:\n  redaction_mode: everything\n"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected schema validation error")
	}

	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: loud\n"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected log level validation error")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(":\n  - ["), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatcher_EmitsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0o644)

	w := NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the watcher a moment to register, then touch the file.
	time.Sleep(50 * time.Millisecond)
	os.WriteFile(path, []byte("log_level: debug\n"), 0o644)

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("event path = %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event received")
	}
}
