package transcript

import (
	"testing"
	"time"
)

func TestParseSessionFilePath(t *testing.T) {
	fc, ok := ParseSessionFilePath("/state/agents/work/sessions/abc-123-topic-my%2Ftopic.jsonl")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if fc.AgentID != "work" || fc.SessionID != "abc-123" || fc.TopicID != "my/topic" {
		t.Fatalf("unexpected context: %+v", fc)
	}

	fc, ok = ParseSessionFilePath("/state/agents/main/sessions/sess-9.jsonl")
	if !ok || fc.AgentID != "main" || fc.SessionID != "sess-9" || fc.TopicID != "" {
		t.Fatalf("plain session parse: %+v ok=%v", fc, ok)
	}

	// Non-canonical directory still yields a session id, just no agent.
	fc, ok = ParseSessionFilePath("/tmp/archive/sess-7.jsonl")
	if !ok || fc.SessionID != "sess-7" || fc.AgentID != "" {
		t.Fatalf("fallback parse: %+v ok=%v", fc, ok)
	}

	if _, ok := ParseSessionFilePath("/tmp/notes.txt"); ok {
		t.Fatalf("non-jsonl path accepted")
	}
}

func TestParseLine_UserText(t *testing.T) {
	fc := FileContext{AgentID: "work", SessionID: "s1"}
	line := `{"type":"message","id":"m1","timestamp":1700000000000,"message":{"role":"user","content":[{"type":"text","text":"hello"},{"type":"text","text":"world"}]}}`
	p := ParseLine(fc, []byte(line))
	if p == nil || !p.Attach {
		t.Fatalf("expected parsed line, got %+v", p)
	}
	if len(p.Messages) != 1 || len(p.ToolCalls) != 0 {
		t.Fatalf("records: %+v", p)
	}
	m := p.Messages[0]
	if m.Role != RoleUser || m.Text != "hello\nworld" || m.MessageID != "m1" {
		t.Fatalf("message: %+v", m)
	}
	if m.Timestamp == nil || m.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("timestamp: %+v", m.Timestamp)
	}
}

func TestParseLine_StringContent(t *testing.T) {
	fc := FileContext{SessionID: "s1"}
	p := ParseLine(fc, []byte(`{"type":"message","message":{"role":"assistant","content":"ok"}}`))
	if p == nil || len(p.Messages) != 1 || p.Messages[0].Text != "ok" {
		t.Fatalf("string content: %+v", p)
	}
}

func TestParseLine_AssistantToolCall(t *testing.T) {
	fc := FileContext{SessionID: "s1"}
	line := `{"type":"message","id":"m2","timestamp":"2024-05-01T10:00:00.000Z","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"ok"},` +
		`{"type":"toolCall","id":"tc1","name":"functions.read","arguments":{"path":"/tmp/file"}},` +
		`{"type":"tool_use","toolName":"functions.grep","input":"raw-string"}]}}`
	p := ParseLine(fc, []byte(line))
	if p == nil || len(p.Messages) != 1 || len(p.ToolCalls) != 2 {
		t.Fatalf("records: %+v", p)
	}
	tc := p.ToolCalls[0]
	if tc.ToolCallID != "tc1" || tc.Status != StatusStarted || tc.ToolName != "functions.read" {
		t.Fatalf("tool call: %+v", tc)
	}
	if tc.ParamsText != `{"path":"/tmp/file"}` {
		t.Fatalf("params: %q", tc.ParamsText)
	}
	second := p.ToolCalls[1]
	if second.ParamsText != "raw-string" {
		t.Fatalf("raw string params: %q", second.ParamsText)
	}
	// Fallback id: "<messageId>:<blockIndex>".
	if second.ToolCallID != "m2:2" {
		t.Fatalf("fallback tool call id: %q", second.ToolCallID)
	}
	if tc.Timestamp == nil || !tc.Timestamp.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("iso timestamp: %+v", tc.Timestamp)
	}
}

func TestParseLine_EmbeddedToolResult(t *testing.T) {
	fc := FileContext{SessionID: "s1"}
	line := `{"type":"message","id":"m3","message":{"role":"assistant","content":[` +
		`{"type":"tool_result","tool_call_id":"tc1","content":[{"type":"text","text":"done"}]},` +
		`{"type":"tool_result_error","tool_call_id":"tc2","text":"boom","is_error":true}]}}`
	p := ParseLine(fc, []byte(line))
	if p == nil || len(p.ToolCalls) != 2 {
		t.Fatalf("records: %+v", p)
	}
	if p.ToolCalls[0].Status != StatusSucceeded || p.ToolCalls[0].ResultText != "done" {
		t.Fatalf("succeeded: %+v", p.ToolCalls[0])
	}
	failed := p.ToolCalls[1]
	if failed.Status != StatusFailed || failed.ErrorText != "boom" {
		t.Fatalf("failed: %+v", failed)
	}
}

func TestParseLine_ToolResultRole(t *testing.T) {
	fc := FileContext{SessionID: "s1"}
	line := `{"type":"message","id":"m4","timestamp":1700000001000,"message":{"role":"toolResult","toolCallId":"tc1","content":[{"type":"text","text":"done"}]}}`
	p := ParseLine(fc, []byte(line))
	if p == nil || len(p.ToolCalls) != 1 || len(p.Messages) != 1 {
		t.Fatalf("records: %+v", p)
	}
	tc := p.ToolCalls[0]
	if tc.ToolCallID != "tc1" || tc.Status != StatusSucceeded || tc.ResultText != "done" || tc.ErrorText != "" {
		t.Fatalf("tool call: %+v", tc)
	}
	if p.Messages[0].Role != RoleTool || p.Messages[0].Text != "done" {
		t.Fatalf("tool message: %+v", p.Messages[0])
	}

	// Failed result carries errorText and the tool message.
	line = `{"type":"message","message":{"role":"tool_result","tool_call_id":"tc2","isError":true,"content":"no such file"}}`
	p = ParseLine(fc, []byte(line))
	if p == nil || p.ToolCalls[0].Status != StatusFailed || p.ToolCalls[0].ErrorText != "no such file" {
		t.Fatalf("failed result: %+v", p)
	}

	// Missing toolCallId drops the record.
	if p := ParseLine(fc, []byte(`{"type":"message","message":{"role":"toolResult","content":"x"}}`)); p != nil {
		t.Fatalf("tool result without id accepted: %+v", p)
	}
}

func TestParseLine_Ignored(t *testing.T) {
	fc := FileContext{SessionID: "s1"}
	for _, line := range []string{
		"",
		"not json",
		`{"type":"summary","message":{"role":"user","content":"x"}}`,
		`{"type":"message","message":{"role":"user","content":[]}}`,
		`{"type":"message","message":{"role":"unknown","content":"x"}}`,
		`{"type":"message"}`,
	} {
		if p := ParseLine(fc, []byte(line)); p != nil {
			t.Errorf("ParseLine(%q) = %+v, want nil", line, p)
		}
	}
}

func TestParseLine_InvalidTimestamp(t *testing.T) {
	fc := FileContext{SessionID: "s1"}
	p := ParseLine(fc, []byte(`{"type":"message","timestamp":"yesterday","message":{"role":"user","content":"hi"}}`))
	if p == nil || p.Messages[0].Timestamp != nil {
		t.Fatalf("invalid timestamp should be nil: %+v", p)
	}
}

func TestToolCallKeyStability(t *testing.T) {
	// STARTED and its completion share the tool call id, so downstream keys
	// derived from (sessionKey, toolCallID) match.
	fc := FileContext{SessionID: "s1"}
	start := ParseLine(fc, []byte(`{"type":"message","id":"m1","message":{"role":"assistant","content":[{"type":"toolCall","id":"tc9","name":"run"}]}}`))
	end := ParseLine(fc, []byte(`{"type":"message","id":"m2","message":{"role":"toolResult","toolCallId":"tc9","content":"ok"}}`))
	if start.ToolCalls[0].ToolCallID != end.ToolCalls[0].ToolCallID {
		t.Fatalf("tool call ids diverge: %q vs %q", start.ToolCalls[0].ToolCallID, end.ToolCalls[0].ToolCallID)
	}
	if start.ToolCalls[0].SessionID != end.ToolCalls[0].SessionID {
		t.Fatalf("session ids diverge")
	}
}
