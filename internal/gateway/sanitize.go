package gateway

import (
	"strings"
	"unicode"
)

// maxHeaderUnits caps a sanitized header value at 300 UTF-16 code units.
const maxHeaderUnits = 300

// SanitizeHeaderValue makes a request header safe for structured logs:
// Unicode format characters and C0/C1 controls become spaces, whitespace
// runs collapse, and the result is capped at 300 UTF-16 code units without
// splitting a surrogate pair.
func SanitizeHeaderValue(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	lastSpace := false
	for _, r := range v {
		if r <= 0x1F || (r >= 0x7F && r <= 0x9F) || unicode.Is(unicode.Cf, r) || unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	out := strings.TrimSpace(b.String())

	units := 0
	for i, r := range out {
		// Supplementary-plane runes occupy a surrogate pair.
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if units+w > maxHeaderUnits {
			return out[:i]
		}
		units += w
	}
	return out
}

// sanitizeHeaders renders selected request headers for the close log.
func sanitizeHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "cookie" || strings.Contains(lower, "token") {
			continue
		}
		out[name] = SanitizeHeaderValue(strings.Join(values, ", "))
	}
	return out
}
