// Package exporter is the durable transcript pipeline: it tails per-session
// transcript files by byte offset, normalizes and redacts their records,
// spools them to disk, and forwards them to Super-Kanban with backoff.
// Delivery is at-least-once; every payload carries a deterministic key so
// server-side upserts absorb replays.
package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aira-core/openclaw/internal/bindings"
	"github.com/aira-core/openclaw/internal/bus"
	"github.com/aira-core/openclaw/internal/redact"
	"github.com/aira-core/openclaw/internal/skclient"
	"github.com/aira-core/openclaw/internal/skkey"
	"github.com/aira-core/openclaw/internal/transcript"
)

const (
	// DefaultPluginID names the state directory under <stateDir>/plugins.
	DefaultPluginID = "super-kanban"

	defaultPollInterval = time.Second
	minPollInterval     = 250 * time.Millisecond
	defaultSendInterval = 250 * time.Millisecond
	defaultDebounce     = 250 * time.Millisecond

	// maxLinesPerTick bounds how many new lines one tailer tick consumes
	// from a single file.
	maxLinesPerTick = 200
)

// errDropEvent marks a spool record that must be skipped, not retried.
var errDropEvent = errors.New("drop spool event")

// Sender is the subset of the SK client the exporter needs.
type Sender interface {
	AttachSession(ctx context.Context, req skclient.AttachSessionRequest) error
	RecordMessage(ctx context.Context, req skclient.RecordMessageRequest) error
	RecordToolCall(ctx context.Context, req skclient.RecordToolCallRequest) error
}

// Config wires an Exporter.
type Config struct {
	StateDir string
	PluginID string

	PollInterval time.Duration
	SendInterval time.Duration
	Debounce     time.Duration

	// Backfill makes newly discovered transcripts export from the start
	// instead of the current end of file.
	Backfill bool

	Client   Sender
	Index    *bindings.Index
	Redactor *redact.Redactor
	Logger   *slog.Logger
	Bus      *bus.Bus
}

// SpoolEvent is one JSONL record in spool.jsonl.
type SpoolEvent struct {
	Kind    string          `json:"kind"` // "message" or "toolCall"
	Payload json.RawMessage `json:"payload"`
}

// Exporter is the single logical worker owning meta.json and spool.jsonl
// for one plugin instance.
type Exporter struct {
	cfg       Config
	metaPath  string
	spoolPath string

	// mu serializes every state mutation: tailing, flushing, and sending
	// never overlap, which keeps the spool's single-producer/single-consumer
	// contract and makes truncate-on-drain safe.
	mu      sync.Mutex
	meta    *Meta
	pending []SpoolEvent
	flushAt time.Time

	nowFn func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Exporter and loads its durable state.
func New(cfg Config) (*Exporter, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("exporter: state dir required")
	}
	if cfg.Client == nil {
		return nil, errors.New("exporter: client required")
	}
	if cfg.Index == nil {
		return nil, errors.New("exporter: bindings index required")
	}
	if cfg.PluginID == "" {
		cfg.PluginID = DefaultPluginID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = defaultSendInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Redactor == nil {
		r, err := redact.New(redact.ModeOff, nil, redact.Limits{})
		if err != nil {
			return nil, err
		}
		cfg.Redactor = r
	}

	pluginDir := filepath.Join(cfg.StateDir, "plugins", cfg.PluginID)
	e := &Exporter{
		cfg:       cfg,
		metaPath:  filepath.Join(pluginDir, "meta.json"),
		spoolPath: filepath.Join(pluginDir, "spool.jsonl"),
		nowFn:     time.Now,
	}
	e.meta = loadMeta(e.metaPath)
	return e, nil
}

// Start launches the tailer and sender loops. Stop with Close.
func (e *Exporter) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		pollTicker := time.NewTicker(e.cfg.PollInterval)
		sendTicker := time.NewTicker(e.cfg.SendInterval)
		defer pollTicker.Stop()
		defer sendTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final flush so a clean shutdown loses nothing.
				e.flushPending()
				return
			case <-pollTicker.C:
				if err := e.tailOnce(); err != nil {
					e.cfg.Logger.Warn("tailer tick failed", "error", err)
				}
			case <-sendTicker.C:
				e.maybeFlush()
				e.processSpool(ctx)
			}
		}
	}()
}

// Close stops the worker and waits for it to exit.
func (e *Exporter) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// enqueueEvents applies redaction upstream; events land in the in-memory
// pending list and are flushed after the debounce window.
func (e *Exporter) enqueueEvents(events []SpoolEvent) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		e.flushAt = e.nowFn().Add(e.cfg.Debounce)
	}
	e.pending = append(e.pending, events...)
}

// maybeFlush flushes pending events once the debounce window has elapsed.
func (e *Exporter) maybeFlush() {
	e.mu.Lock()
	due := len(e.pending) > 0 && !e.nowFn().Before(e.flushAt)
	e.mu.Unlock()
	if due {
		e.flushPending()
	}
}

// flushPending appends all pending events to spool.jsonl, then persists
// meta.json so updated file cursors survive a crash. A cursor is never
// persisted ahead of its spooled lines.
func (e *Exporter) flushPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.spoolPath), 0o755); err != nil {
		e.cfg.Logger.Error("spool dir create failed", "error", err)
		return
	}
	f, err := os.OpenFile(e.spoolPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.cfg.Logger.Error("spool open failed", "error", err)
		return
	}
	defer f.Close()
	for _, ev := range e.pending {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			e.cfg.Logger.Error("spool append failed", "error", err)
			return
		}
	}
	count := len(e.pending)
	e.pending = nil
	if err := persistMeta(e.metaPath, e.meta); err != nil {
		e.cfg.Logger.Error("meta persist failed", "error", err)
	}
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(bus.TopicExporterSpooled, count)
	}
}

// processSpool sends spooled events one at a time from the persisted offset.
// Success advances the offset; a transport or protocol failure arms backoff
// and returns. Malformed or undeliverable records are skipped.
func (e *Exporter) processSpool(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFn()
	if e.meta.NextSendAtMs > 0 && now.UnixMilli() < e.meta.NextSendAtMs {
		return
	}

	f, err := os.Open(e.spoolPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		e.cfg.Logger.Error("spool open failed", "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	size := info.Size()

	if e.meta.SpoolOffset < size {
		if _, err := f.Seek(e.meta.SpoolOffset, io.SeekStart); err != nil {
			return
		}
		reader := newLineReader(f)
		for {
			line, n, complete, err := reader.next()
			if err != nil && err != io.EOF {
				e.cfg.Logger.Error("spool read failed", "error", err)
				return
			}
			if !complete {
				break
			}

			var ev SpoolEvent
			if uerr := json.Unmarshal(line, &ev); uerr != nil {
				e.cfg.Logger.Warn("malformed spool line skipped", "offset", e.meta.SpoolOffset)
				e.advanceSpool(n)
				continue
			}

			if serr := e.sendEvent(ctx, ev); serr != nil {
				if errors.Is(serr, errDropEvent) {
					e.advanceSpool(n)
					continue
				}
				e.meta.ConsecutiveFailures++
				e.meta.NextSendAtMs = e.nowFn().Add(backoff(e.meta.ConsecutiveFailures)).UnixMilli()
				if perr := persistMeta(e.metaPath, e.meta); perr != nil {
					e.cfg.Logger.Error("meta persist failed", "error", perr)
				}
				if e.cfg.Bus != nil {
					e.cfg.Bus.Publish(bus.TopicExporterFailed, serr.Error())
				}
				e.cfg.Logger.Warn("spool send failed, backing off",
					"consecutive_failures", e.meta.ConsecutiveFailures,
					"error", serr)
				return
			}

			e.meta.ConsecutiveFailures = 0
			e.meta.NextSendAtMs = 0
			e.advanceSpool(n)
			if err == io.EOF {
				break
			}
		}
	}

	// Truncate-on-drain: a fully consumed, non-empty spool is rewritten
	// empty and the offset reset together.
	if size > 0 && e.meta.SpoolOffset >= size {
		if err := os.Truncate(e.spoolPath, 0); err != nil {
			e.cfg.Logger.Error("spool truncate failed", "error", err)
			return
		}
		e.meta.SpoolOffset = 0
		if err := persistMeta(e.metaPath, e.meta); err != nil {
			e.cfg.Logger.Error("meta persist failed", "error", err)
		}
	}
}

func (e *Exporter) advanceSpool(n int64) {
	e.meta.SpoolOffset += n
	if err := persistMeta(e.metaPath, e.meta); err != nil {
		e.cfg.Logger.Error("meta persist failed", "error", err)
	}
}

// sendEvent dispatches one spool record. Returns errDropEvent for records
// that can never be delivered (unknown kind, missing entity identity).
func (e *Exporter) sendEvent(ctx context.Context, ev SpoolEvent) error {
	switch ev.Kind {
	case "message":
		var req skclient.RecordMessageRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			return fmt.Errorf("%w: bad message payload", errDropEvent)
		}
		if err := e.ensureAttached(ctx, req.SessionKey, req.EntityType, req.EntityID, req.EntityExternalID, req.OccurredAt); err != nil {
			return err
		}
		if err := e.cfg.Client.RecordMessage(ctx, req); err != nil {
			return err
		}
		if e.cfg.Bus != nil {
			e.cfg.Bus.Publish(bus.TopicExporterSent, bus.ExporterEvent{SessionKey: req.SessionKey, Kind: "message", Key: req.MessageKey})
		}
		return nil
	case "toolCall":
		var req skclient.RecordToolCallRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			return fmt.Errorf("%w: bad tool call payload", errDropEvent)
		}
		if err := e.ensureAttached(ctx, req.SessionKey, req.EntityType, req.EntityID, req.EntityExternalID, req.OccurredAt); err != nil {
			return err
		}
		if err := e.cfg.Client.RecordToolCall(ctx, req); err != nil {
			return err
		}
		if e.cfg.Bus != nil {
			e.cfg.Bus.Publish(bus.TopicExporterSent, bus.ExporterEvent{SessionKey: req.SessionKey, Kind: "toolCall", Key: req.ToolCallKey})
		}
		return nil
	default:
		e.cfg.Logger.Warn("unknown spool event kind dropped", "kind", ev.Kind)
		return errDropEvent
	}
}

// ensureAttached posts an Attach-RUNNING at most once per sessionKey. A
// record with no entity identity at all cannot ever attach; it is dropped
// with a warning so an old spool can never wedge the pipeline.
func (e *Exporter) ensureAttached(ctx context.Context, sessionKey, entityType, entityID, entityExternalID string, startedAt *string) error {
	if sessionKey == "" {
		return fmt.Errorf("%w: missing session key", errDropEvent)
	}
	if e.meta.AttachedSessions[sessionKey] {
		return nil
	}
	if entityID == "" && entityExternalID == "" {
		e.cfg.Logger.Warn("spool record has no entity identity, dropping", "session_key", sessionKey)
		return fmt.Errorf("%w: no entity identity", errDropEvent)
	}
	req := skclient.AttachSessionRequest{
		SessionKey:       sessionKey,
		EntityType:       entityType,
		EntityID:         entityID,
		EntityExternalID: entityExternalID,
		State:            skclient.SessionRunning,
	}
	if startedAt != nil {
		req.StartedAt = *startedAt
	}
	if err := e.cfg.Client.AttachSession(ctx, req); err != nil {
		return err
	}
	e.meta.AttachedSessions[sessionKey] = true
	if err := persistMeta(e.metaPath, e.meta); err != nil {
		e.cfg.Logger.Error("meta persist failed", "error", err)
	}
	return nil
}

// BuildEvents converts parsed transcript records into spool events for one
// bound session, applying redaction and deriving the idempotency keys. The
// reconciler shares this so offline replays produce identical payloads.
func BuildEvents(binding *bindings.SessionBinding, parsed *transcript.Parsed, redactor *redact.Redactor) []SpoolEvent {
	if parsed == nil || binding == nil {
		return nil
	}
	var events []SpoolEvent
	for _, m := range parsed.Messages {
		content := redactor.MessageContent(m.Text)
		var occurredMs int64
		if m.Timestamp != nil {
			occurredMs = m.Timestamp.UnixMilli()
		}
		req := skclient.RecordMessageRequest{
			SessionKey:       binding.SessionKey,
			EntityType:       binding.EntityType,
			EntityExternalID: binding.EntityExternalID,
			MessageKey: skkey.BuildMessageKey(skkey.MessageKeyInput{
				SessionKey:   binding.SessionKey,
				MessageID:    m.MessageID,
				Role:         m.Role,
				OccurredAtMs: occurredMs,
				Content:      content,
			}),
			Role:       m.Role,
			Content:    content,
			OccurredAt: isoTime(m.Timestamp),
		}
		payload, err := json.Marshal(req)
		if err != nil {
			continue
		}
		events = append(events, SpoolEvent{Kind: "message", Payload: payload})
	}
	for _, tc := range parsed.ToolCalls {
		req := skclient.RecordToolCallRequest{
			SessionKey:       binding.SessionKey,
			EntityType:       binding.EntityType,
			EntityExternalID: binding.EntityExternalID,
			ToolCallKey:      skkey.BuildToolCallKey(binding.SessionKey, tc.ToolCallID),
			ToolName:         tc.ToolName,
			Status:           tc.Status,
			OccurredAt:       isoTime(tc.Timestamp),
			ParamsText:       redactor.ToolInput(tc.ParamsText),
			ResultText:       redactor.ToolOutput(tc.ResultText),
			ErrorText:        redactor.ErrorText(tc.ErrorText),
		}
		payload, err := json.Marshal(req)
		if err != nil {
			continue
		}
		events = append(events, SpoolEvent{Kind: "toolCall", Payload: payload})
	}
	return events
}

// isoTime renders a timestamp as ISO-8601 with millisecond precision, or nil.
func isoTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return &s
}
