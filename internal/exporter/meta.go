package exporter

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// metaVersion is the current meta.json schema version.
const metaVersion = 1

// FileCursor tracks the byte offset consumed from one transcript file.
type FileCursor struct {
	Offset int64 `json:"offset"`
}

// Meta is the exporter's durable state. It is owned exclusively by the
// exporter worker; every write is a whole-file rewrite via a temp file so a
// crash leaves either the old or the new contents readable.
type Meta struct {
	Version             int                   `json:"version"`
	FileCursors         map[string]FileCursor `json:"fileCursors"`
	SpoolOffset         int64                 `json:"spoolOffset"`
	AttachedSessions    map[string]bool       `json:"attachedSessions"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	NextSendAtMs        int64                 `json:"nextSendAtMs,omitempty"`
}

func newMeta() *Meta {
	return &Meta{
		Version:          metaVersion,
		FileCursors:      make(map[string]FileCursor),
		AttachedSessions: make(map[string]bool),
	}
}

// loadMeta reads meta.json, falling back to defaults when the file is
// missing or corrupt. Recovery from a torn write must never wedge the
// exporter; at-least-once delivery makes a cursor reset safe.
func loadMeta(path string) *Meta {
	raw, err := os.ReadFile(path)
	if err != nil {
		return newMeta()
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return newMeta()
	}
	if m.FileCursors == nil {
		m.FileCursors = make(map[string]FileCursor)
	}
	if m.AttachedSessions == nil {
		m.AttachedSessions = make(map[string]bool)
	}
	m.Version = metaVersion
	return &m
}

// persistMeta writes the meta file with write-temp-then-rename.
func persistMeta(path string, m *Meta) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
