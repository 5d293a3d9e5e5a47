// Package transcript turns agent session transcript lines into the message
// and tool-call records the exporter and reconciler ship to Super-Kanban.
// Transcript files are append-only JSONL written by the agent runtime; this
// package only reads them.
package transcript

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Normalized message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool-call statuses.
const (
	StatusStarted   = "STARTED"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// FileContext identifies the session a transcript file belongs to.
type FileContext struct {
	AgentID   string
	SessionID string
	TopicID   string
}

// Message is one exported transcript message.
type Message struct {
	SessionID string
	AgentID   string
	TopicID   string
	MessageID string
	Timestamp *time.Time
	Role      string
	Text      string
}

// ToolCall is one exported tool-call lifecycle record.
type ToolCall struct {
	SessionID  string
	AgentID    string
	TopicID    string
	MessageID  string
	ToolCallID string
	ToolName   string
	Status     string
	Timestamp  *time.Time
	ParamsText string
	ResultText string
	ErrorText  string
}

// Parsed is the result of parsing one transcript line. Attach reports that
// the line produced at least one exportable record.
type Parsed struct {
	Attach    bool
	Messages  []Message
	ToolCalls []ToolCall
}

// ParseSessionFilePath extracts the session identity from a transcript path
// of the form …/agents/<agentId>/sessions/<sessionId>[-topic-<urlEncoded>].jsonl.
// Paths outside that shape still yield a session id from the file name.
func ParseSessionFilePath(path string) (FileContext, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".jsonl") {
		return FileContext{}, false
	}
	name := strings.TrimSuffix(base, ".jsonl")

	var fc FileContext
	if i := strings.Index(name, "-topic-"); i >= 0 {
		fc.SessionID = name[:i]
		if topic, err := url.QueryUnescape(name[i+len("-topic-"):]); err == nil {
			fc.TopicID = topic
		} else {
			fc.TopicID = name[i+len("-topic-"):]
		}
	} else {
		fc.SessionID = name
	}
	if fc.SessionID == "" {
		return FileContext{}, false
	}

	dir := filepath.Dir(path)
	if filepath.Base(dir) == "sessions" {
		agentDir := filepath.Dir(dir)
		if filepath.Base(filepath.Dir(agentDir)) == "agents" {
			fc.AgentID = filepath.Base(agentDir)
		}
	}
	return fc, true
}

type rawRecord struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp any             `json:"timestamp"`
	Message   *rawMessage     `json:"message"`
	Raw       json.RawMessage `json:"-"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`

	// Tool-result payload fields, present when role is toolResult.
	ToolCallID      string `json:"toolCallId"`
	ToolCallIDSnake string `json:"tool_call_id"`
	IsError         any    `json:"isError"`
	IsErrorSnake    any    `json:"is_error"`
}

// ParseLine parses one transcript line. Unparseable lines and records that
// are not messages return nil.
func ParseLine(fc FileContext, line []byte) *Parsed {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}
	var rec rawRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil
	}
	if rec.Type != "message" || rec.Message == nil {
		return nil
	}

	ts := parseTimestamp(rec.Timestamp)
	role := strings.TrimSpace(rec.Message.Role)
	out := &Parsed{}

	switch role {
	case "system", "user", "assistant":
		text := collectText(rec.Message.Content)
		if text != "" {
			out.Messages = append(out.Messages, Message{
				SessionID: fc.SessionID,
				AgentID:   fc.AgentID,
				TopicID:   fc.TopicID,
				MessageID: rec.ID,
				Timestamp: ts,
				Role:      role,
				Text:      text,
			})
		}
		if role == "assistant" {
			out.ToolCalls = append(out.ToolCalls, extractToolBlocks(fc, rec, ts)...)
		}
	case "toolResult", "tool_result":
		tc, msg := parseToolResult(fc, rec, ts)
		if tc != nil {
			out.ToolCalls = append(out.ToolCalls, *tc)
		}
		if msg != nil {
			out.Messages = append(out.Messages, *msg)
		}
	default:
		return nil
	}

	if len(out.Messages) == 0 && len(out.ToolCalls) == 0 {
		return nil
	}
	out.Attach = true
	return out
}

// extractToolBlocks walks assistant content blocks for tool-call starts and
// embedded tool results.
func extractToolBlocks(fc FileContext, rec rawRecord, ts *time.Time) []ToolCall {
	blocks := contentBlocks(rec.Message.Content)
	if blocks == nil {
		return nil
	}
	var calls []ToolCall
	for i, block := range blocks {
		typ := strings.ToLower(stringField(block, "type"))
		switch typ {
		case "toolcall", "tool_call", "tool_use":
			calls = append(calls, ToolCall{
				SessionID:  fc.SessionID,
				AgentID:    fc.AgentID,
				TopicID:    fc.TopicID,
				MessageID:  rec.ID,
				ToolCallID: blockToolCallID(block, fc, rec, ts, i),
				ToolName:   stringField(block, "name", "toolName", "tool_name"),
				Status:     StatusStarted,
				Timestamp:  ts,
				ParamsText: paramsText(block),
			})
		case "tool_result", "tool_result_error", "toolresult":
			status := StatusSucceeded
			if boolField(block, "is_error", "isError") || typ == "tool_result_error" {
				status = StatusFailed
			}
			text := collectBlockText(block)
			tc := ToolCall{
				SessionID:  fc.SessionID,
				AgentID:    fc.AgentID,
				TopicID:    fc.TopicID,
				MessageID:  rec.ID,
				ToolCallID: blockToolCallID(block, fc, rec, ts, i),
				Status:     status,
				Timestamp:  ts,
				ResultText: text,
			}
			if status == StatusFailed {
				tc.ErrorText = text
			}
			calls = append(calls, tc)
		}
	}
	return calls
}

// parseToolResult handles a whole-record tool result: a completion record
// plus a tool-role message when the result carries text.
func parseToolResult(fc FileContext, rec rawRecord, ts *time.Time) (*ToolCall, *Message) {
	id := rec.Message.ToolCallID
	if id == "" {
		id = rec.Message.ToolCallIDSnake
	}
	if id == "" {
		return nil, nil
	}
	text := collectText(rec.Message.Content)
	status := StatusSucceeded
	if truthy(rec.Message.IsError) || truthy(rec.Message.IsErrorSnake) {
		status = StatusFailed
	}
	tc := &ToolCall{
		SessionID:  fc.SessionID,
		AgentID:    fc.AgentID,
		TopicID:    fc.TopicID,
		MessageID:  rec.ID,
		ToolCallID: id,
		Status:     status,
		Timestamp:  ts,
		ResultText: text,
	}
	if status == StatusFailed {
		tc.ErrorText = text
	}
	var msg *Message
	if text != "" {
		msg = &Message{
			SessionID: fc.SessionID,
			AgentID:   fc.AgentID,
			TopicID:   fc.TopicID,
			MessageID: rec.ID,
			Timestamp: ts,
			Role:      RoleTool,
			Text:      text,
		}
	}
	return tc, msg
}

func blockToolCallID(block map[string]any, fc FileContext, rec rawRecord, ts *time.Time, index int) string {
	if id := stringField(block, "id", "toolCallId", "tool_call_id"); id != "" {
		return id
	}
	prefix := rec.ID
	if prefix == "" {
		var ms int64
		if ts != nil {
			ms = ts.UnixMilli()
		}
		prefix = fmt.Sprintf("%s:%d", fc.SessionID, ms)
	}
	return fmt.Sprintf("%s:%d", prefix, index)
}

func paramsText(block map[string]any) string {
	for _, key := range []string{"arguments", "args", "params", "input"} {
		v, ok := block[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		return string(b)
	}
	return ""
}

// collectText joins all non-empty text blocks with newlines. String content
// is used verbatim.
func collectText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	blocks := contentBlocks(content)
	var parts []string
	for _, block := range blocks {
		if strings.ToLower(stringField(block, "type")) != "text" {
			continue
		}
		if text := stringField(block, "text"); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// collectBlockText extracts text nested under a block's content or text field.
func collectBlockText(block map[string]any) string {
	if text := stringField(block, "text"); text != "" {
		return text
	}
	v, ok := block["content"]
	if !ok {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return collectText(raw)
}

func contentBlocks(content json.RawMessage) []map[string]any {
	var blocks []map[string]any
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	return blocks
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func boolField(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if truthy(m[key]) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	}
	return false
}

// parseTimestamp accepts epoch milliseconds or an ISO-8601 string.
func parseTimestamp(v any) *time.Time {
	switch ts := v.(type) {
	case float64:
		t := time.UnixMilli(int64(ts)).UTC()
		return &t
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, ts); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}
