package netadapt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/aira-core/openclaw/internal/bus"
	"github.com/aira-core/openclaw/internal/telegram"
)

const telegramAPIHost = "api.telegram.org"

// DiagTransport wraps a RoundTripper and emits one telegram.http.fetch event
// per Telegram API call, carrying the current delivery context. Diagnostic
// failures never interrupt the underlying request.
type DiagTransport struct {
	base http.RoundTripper
	bus  *bus.Bus
}

// NewDiagTransport wraps base with the diagnostic tap.
func NewDiagTransport(base http.RoundTripper, eventBus *bus.Bus) *DiagTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DiagTransport{base: base, bus: eventBus}
}

func (d *DiagTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL != nil && req.URL.Hostname() == telegramAPIHost {
		d.emit(req)
	}
	return d.base.RoundTrip(req)
}

func (d *DiagTransport) emit(req *http.Request) {
	defer func() {
		// The tap must never take the request down with it.
		_ = recover()
	}()

	apiMethod, redactedPath, ok := RedactTelegramPath(req.URL.Path)
	if !ok {
		return
	}
	dc := telegram.Current(req.Context())
	d.bus.Publish(bus.TopicTelegramFetch, bus.TelegramFetchEvent{
		DeliveryID:  dc.DeliveryID,
		AccountID:   dc.AccountID,
		ChatID:      dc.ChatID,
		Operation:   dc.Operation,
		HTTPMethod:  req.Method,
		APIMethod:   apiMethod,
		Path:        redactedPath,
		PayloadHash: hashBodySummary(req),
	})
}

// RedactTelegramPath derives the API method and token-redacted path from a
// Telegram request path: /bot<token>/<method> and /file/bot<token>/<rest>.
func RedactTelegramPath(path string) (apiMethod, redacted string, ok bool) {
	switch {
	case strings.HasPrefix(path, "/bot"):
		rest := path[len("/bot"):]
		token, method, found := strings.Cut(rest, "/")
		if !found || token == "" {
			return "", "", false
		}
		return method, "/bot<redacted>/" + method, true
	case strings.HasPrefix(path, "/file/bot"):
		rest := path[len("/file/bot"):]
		token, filePath, found := strings.Cut(rest, "/")
		if !found || token == "" {
			return "", "", false
		}
		return "file", "/file/bot<redacted>/" + filePath, true
	}
	return "", "", false
}

// bodySummary is the type-safe shape the tap hashes instead of the raw body.
type bodySummary struct {
	Type        string `json:"type"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"contentType,omitempty"`
}

// hashBodySummary summarizes the request body without consuming it and
// returns the sha256 of the canonical-JSON summary.
func hashBodySummary(req *http.Request) string {
	summary := bodySummary{Type: "unknown", ContentType: req.Header.Get("Content-Type")}
	if req.Body == nil {
		summary.Type = "empty"
	} else {
		summary.Bytes = req.ContentLength
		switch {
		case strings.HasPrefix(summary.ContentType, "application/x-www-form-urlencoded"):
			summary.Type = "urlsearchparams"
		case strings.HasPrefix(summary.ContentType, "multipart/form-data"):
			summary.Type = "formdata"
		case strings.HasPrefix(summary.ContentType, "application/json"):
			summary.Type = "string"
		case strings.HasPrefix(summary.ContentType, "application/octet-stream"):
			summary.Type = "buffer"
		}
		// Include the exact bytes when the body is cheaply replayable.
		if req.GetBody != nil && req.ContentLength >= 0 && req.ContentLength <= 1<<20 {
			if body, err := req.GetBody(); err == nil {
				if data, err := io.ReadAll(io.LimitReader(body, 1<<20)); err == nil {
					sum := sha256.Sum256(data)
					summary.ContentType += ";sha256=" + hex.EncodeToString(sum[:])
					body.Close()
				}
			}
		}
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
