package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderJSON renders the report for --json consumers.
func RenderJSON(r *Report) (string, error) {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// RenderText renders the deterministic human-readable report. Sessions are
// already in path order, so repeated runs over the same state produce
// identical output.
func RenderText(r *Report, color bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "reconcile %s: %d scanned, %d matched, %d skipped\n",
		r.Mode, r.SessionsScanned, r.SessionsMatched, r.SessionsSkipped)
	fmt.Fprintf(&b, "totals: %d messages, %d tool calls", r.Messages, r.ToolCalls)
	if r.Mode == ModeFix {
		fmt.Fprintf(&b, ", %d requests", r.Requests)
	}
	b.WriteString("\n")

	if len(r.Sessions) > 0 {
		t := table.NewWriter()
		if color {
			t.SetStyle(table.StyleColoredBright)
		} else {
			t.SetStyle(table.StyleLight)
		}
		t.AppendHeader(table.Row{"Agent", "Session", "Entity", "Msgs", "Tools", "First", "Last"})
		for _, s := range r.Sessions {
			t.AppendRow(table.Row{
				s.AgentID, s.SessionID,
				s.EntityType + " " + s.EntityExternalID,
				s.Messages, s.ToolCalls,
				s.FirstTimestamp, s.LastTimestamp,
			})
		}
		b.WriteString(t.Render())
		b.WriteString("\n")
	}

	for _, s := range r.Sessions {
		if len(s.MessagePreview) == 0 && len(s.ToolCallPreview) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s/%s (%s):\n", s.AgentID, s.SessionID, s.SessionKey)
		for _, p := range s.MessagePreview {
			fmt.Fprintf(&b, "  msg  %s %s\n", p.Key, deref(p.OccurredAt))
		}
		for _, p := range s.ToolCallPreview {
			fmt.Fprintf(&b, "  tool %s %s\n", p.Key, deref(p.OccurredAt))
		}
	}
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
