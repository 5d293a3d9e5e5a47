// Package redact scrubs sensitive data from exported transcript fields and
// enforces per-field length caps before anything leaves the host.
package redact

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

const redactedPlaceholder = "[REDACTED]"

// truncationMarker is appended when a field was cut.
const truncationMarker = "…"

// Modes.
const (
	ModeOff   = "off"
	ModeTools = "tools"
)

// defaultPatterns matches common secret-bearing patterns in transcript text.
var defaultPatterns = []*regexp.Regexp{
	// API keys and tokens behind key-like prefixes.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google-style API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// UUID tokens behind auth-related prefixes.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Limits holds the per-field truncation budgets in bytes of UTF-8 text.
type Limits struct {
	MessageContent int
	ToolInput      int
	ToolOutput     int
	ErrorText      int
}

// DefaultLimits are the budgets applied when a limit is zero.
var DefaultLimits = Limits{
	MessageContent: 8000,
	ToolInput:      4000,
	ToolOutput:     8000,
	ErrorText:      8000,
}

// Redactor applies pattern redaction (mode "tools") and truncation to the
// string fields of outbound records.
type Redactor struct {
	mode     string
	patterns []*regexp.Regexp
	limits   Limits
}

// New builds a Redactor. extraPatterns are compiled and appended to the
// defaults; an invalid pattern fails construction.
func New(mode string, extraPatterns []string, limits Limits) (*Redactor, error) {
	if mode == "" {
		mode = ModeOff
	}
	if mode != ModeOff && mode != ModeTools {
		return nil, fmt.Errorf("redact: unknown mode %q", mode)
	}
	patterns := make([]*regexp.Regexp, 0, len(defaultPatterns)+len(extraPatterns))
	patterns = append(patterns, defaultPatterns...)
	for _, p := range extraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact: pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	if limits.MessageContent <= 0 {
		limits.MessageContent = DefaultLimits.MessageContent
	}
	if limits.ToolInput <= 0 {
		limits.ToolInput = DefaultLimits.ToolInput
	}
	if limits.ToolOutput <= 0 {
		limits.ToolOutput = DefaultLimits.ToolOutput
	}
	if limits.ErrorText <= 0 {
		limits.ErrorText = DefaultLimits.ErrorText
	}
	return &Redactor{mode: mode, patterns: patterns, limits: limits}, nil
}

// MessageContent processes user/assistant/tool message text.
func (r *Redactor) MessageContent(s string) string {
	return Truncate(r.apply(s), r.limits.MessageContent)
}

// ToolInput processes serialized tool-call parameters.
func (r *Redactor) ToolInput(s string) string {
	return Truncate(r.apply(s), r.limits.ToolInput)
}

// ToolOutput processes tool result text.
func (r *Redactor) ToolOutput(s string) string {
	return Truncate(r.apply(s), r.limits.ToolOutput)
}

// ErrorText processes tool error strings.
func (r *Redactor) ErrorText(s string) string {
	return Truncate(r.apply(s), r.limits.ErrorText)
}

func (r *Redactor) apply(s string) string {
	if r.mode != ModeTools || s == "" {
		return s
	}
	result := s
	for _, pat := range r.patterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// Secrets applies the default pattern list unconditionally. The log handler
// uses this for every string attribute regardless of the exporter mode.
func Secrets(s string) string {
	if s == "" {
		return s
	}
	result := s
	for _, pat := range defaultPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// Truncate cuts s to at most max bytes, never splitting a code point, and
// appends the truncation marker when a cut occurred.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
