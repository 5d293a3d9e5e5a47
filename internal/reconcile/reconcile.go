// Package reconcile replays archived transcripts against Super-Kanban
// offline. It walks the same session files as the exporter, derives the same
// deterministic keys and payloads, and either counts what it would post
// (dry-run) or posts it idempotently (fix).
package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aira-core/openclaw/internal/bindings"
	"github.com/aira-core/openclaw/internal/exporter"
	"github.com/aira-core/openclaw/internal/redact"
	"github.com/aira-core/openclaw/internal/skclient"
	"github.com/aira-core/openclaw/internal/transcript"
)

// Modes.
const (
	ModeDryRun = "dry-run"
	ModeFix    = "fix"
)

const defaultPreviewLimit = 5

// Poster is the write surface used in fix mode.
type Poster interface {
	AttachSession(ctx context.Context, req skclient.AttachSessionRequest) error
	RecordMessage(ctx context.Context, req skclient.RecordMessageRequest) error
	RecordToolCall(ctx context.Context, req skclient.RecordToolCallRequest) error
}

// Options configures a run.
type Options struct {
	StateDir string
	Mode     string

	// AgentAllowlist restricts which agents are scanned; empty allows all.
	AgentAllowlist []string
	AgentID        string
	SessionID      string
	SessionKey     string
	MaxSessions    int
	PreviewLimit   int

	Client   Poster // required in fix mode, unused in dry-run
	Index    *bindings.Index
	Redactor *redact.Redactor
	Logger   *slog.Logger
}

// PreviewEntry is one key shown in the per-session preview.
type PreviewEntry struct {
	Key        string  `json:"key"`
	OccurredAt *string `json:"occurredAt"`
}

// SessionReport summarizes one matched session.
type SessionReport struct {
	AgentID          string         `json:"agentId"`
	SessionID        string         `json:"sessionId"`
	SessionKey       string         `json:"sessionKey"`
	EntityType       string         `json:"entityType"`
	EntityExternalID string         `json:"entityExternalId"`
	Messages         int            `json:"messages"`
	ToolCalls        int            `json:"toolCalls"`
	FirstTimestamp   string         `json:"firstTimestamp,omitempty"`
	LastTimestamp    string         `json:"lastTimestamp,omitempty"`
	MessagePreview   []PreviewEntry `json:"messagePreview,omitempty"`
	ToolCallPreview  []PreviewEntry `json:"toolCallPreview,omitempty"`
}

// Report is the structured run result.
type Report struct {
	Mode            string          `json:"mode"`
	SessionsScanned int             `json:"sessionsScanned"`
	SessionsMatched int             `json:"sessionsMatched"`
	SessionsSkipped int             `json:"sessionsSkipped"`
	Messages        int             `json:"messages"`
	ToolCalls       int             `json:"toolCalls"`
	Requests        int             `json:"requests"` // HTTP posts issued (fix mode only)
	Sessions        []SessionReport `json:"sessions"`
}

// Run executes a reconcile pass.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.StateDir == "" {
		return nil, fmt.Errorf("reconcile: state dir required")
	}
	switch opts.Mode {
	case ModeDryRun, ModeFix:
	case "":
		opts.Mode = ModeDryRun
	default:
		return nil, fmt.Errorf("reconcile: unknown mode %q", opts.Mode)
	}
	if opts.Mode == ModeFix && opts.Client == nil {
		return nil, fmt.Errorf("reconcile: fix mode requires a client")
	}
	if opts.Index == nil {
		opts.Index = bindings.NewIndex(opts.StateDir, bindings.OpenLabelMap(bindings.DefaultLabelMapPath(opts.StateDir)), opts.Logger)
	}
	if opts.Redactor == nil {
		r, err := redact.New(redact.ModeOff, nil, redact.Limits{})
		if err != nil {
			return nil, err
		}
		opts.Redactor = r
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = defaultPreviewLimit
	}

	paths, err := filepath.Glob(filepath.Join(opts.StateDir, "agents", "*", "sessions", "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	allow := make(map[string]bool, len(opts.AgentAllowlist))
	for _, a := range opts.AgentAllowlist {
		allow[a] = true
	}

	report := &Report{Mode: opts.Mode}
	for _, path := range paths {
		base := filepath.Base(path)
		if strings.Contains(base, ".deleted.") || strings.Contains(base, ".bak.") {
			continue
		}
		fc, ok := transcript.ParseSessionFilePath(path)
		if !ok {
			continue
		}
		if len(allow) > 0 && !allow[fc.AgentID] {
			continue
		}
		if opts.AgentID != "" && fc.AgentID != opts.AgentID {
			continue
		}
		if opts.SessionID != "" && fc.SessionID != opts.SessionID {
			continue
		}
		report.SessionsScanned++

		binding, err := opts.Index.ResolveWithScan(fc.AgentID, fc.SessionID, path, opts.Mode == ModeFix)
		if err != nil {
			opts.Logger.Warn("binding resolve failed", "path", path, "error", err)
			report.SessionsSkipped++
			continue
		}
		if binding == nil || (opts.SessionKey != "" && binding.SessionKey != opts.SessionKey) {
			report.SessionsSkipped++
			continue
		}

		session, err := replaySession(ctx, opts, fc, path, binding, report)
		if err != nil {
			return nil, err
		}
		report.SessionsMatched++
		report.Sessions = append(report.Sessions, *session)

		if opts.MaxSessions > 0 && report.SessionsMatched >= opts.MaxSessions {
			break
		}
	}
	return report, nil
}

// replaySession re-derives every event for one transcript and, in fix mode,
// posts attach + messages + tool calls in file order.
func replaySession(ctx context.Context, opts Options, fc transcript.FileContext, path string, binding *bindings.SessionBinding, report *Report) (*SessionReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	session := &SessionReport{
		AgentID:          fc.AgentID,
		SessionID:        fc.SessionID,
		SessionKey:       binding.SessionKey,
		EntityType:       binding.EntityType,
		EntityExternalID: binding.EntityExternalID,
	}

	attached := false
	var firstTS, lastTS *time.Time

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024+2)
	for scanner.Scan() {
		parsed := transcript.ParseLine(fc, scanner.Bytes())
		if parsed == nil {
			continue
		}
		for _, m := range parsed.Messages {
			firstTS, lastTS = foldTimestamps(firstTS, lastTS, m.Timestamp)
		}
		for _, tc := range parsed.ToolCalls {
			firstTS, lastTS = foldTimestamps(firstTS, lastTS, tc.Timestamp)
		}

		for _, ev := range exporter.BuildEvents(binding, parsed, opts.Redactor) {
			switch ev.Kind {
			case "message":
				var req skclient.RecordMessageRequest
				if err := json.Unmarshal(ev.Payload, &req); err != nil {
					continue
				}
				session.Messages++
				report.Messages++
				if len(session.MessagePreview) < opts.PreviewLimit {
					session.MessagePreview = append(session.MessagePreview, PreviewEntry{Key: req.MessageKey, OccurredAt: req.OccurredAt})
				}
				if opts.Mode == ModeFix {
					if err := ensureAttach(ctx, opts, binding, &attached, report); err != nil {
						return nil, err
					}
					if err := opts.Client.RecordMessage(ctx, req); err != nil {
						return nil, err
					}
					report.Requests++
				}
			case "toolCall":
				var req skclient.RecordToolCallRequest
				if err := json.Unmarshal(ev.Payload, &req); err != nil {
					continue
				}
				session.ToolCalls++
				report.ToolCalls++
				if len(session.ToolCallPreview) < opts.PreviewLimit {
					session.ToolCallPreview = append(session.ToolCallPreview, PreviewEntry{Key: req.ToolCallKey, OccurredAt: req.OccurredAt})
				}
				if opts.Mode == ModeFix {
					if err := ensureAttach(ctx, opts, binding, &attached, report); err != nil {
						return nil, err
					}
					if err := opts.Client.RecordToolCall(ctx, req); err != nil {
						return nil, err
					}
					report.Requests++
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		opts.Logger.Warn("transcript scan stopped early", "path", path, "error", err)
	}

	if firstTS != nil {
		session.FirstTimestamp = firstTS.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	if lastTS != nil {
		session.LastTimestamp = lastTS.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return session, nil
}

func ensureAttach(ctx context.Context, opts Options, binding *bindings.SessionBinding, attached *bool, report *Report) error {
	if *attached {
		return nil
	}
	err := opts.Client.AttachSession(ctx, skclient.AttachSessionRequest{
		SessionKey:       binding.SessionKey,
		EntityType:       binding.EntityType,
		EntityExternalID: binding.EntityExternalID,
		State:            skclient.SessionRunning,
	})
	if err != nil {
		return err
	}
	*attached = true
	report.Requests++
	return nil
}

func foldTimestamps(first, last, ts *time.Time) (*time.Time, *time.Time) {
	if ts == nil {
		return first, last
	}
	if first == nil || ts.Before(*first) {
		first = ts
	}
	if last == nil || ts.After(*last) {
		last = ts
	}
	return first, last
}
