// Package skkey derives the deterministic keys and labels that bind
// OpenClaw sessions to Super-Kanban entities. Every key produced here is
// stable across restarts and replays so that server-side upserts stay
// idempotent.
package skkey

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Entity types recognized by Super-Kanban.
const (
	EntityProject  = "PROJECT"
	EntityWorkItem = "WORK_ITEM"
	EntityTask     = "TASK"
)

// Routing label prefixes embedded in session labels.
const (
	labelPrefixProject  = "SK:PROJECT:"
	labelPrefixWorkItem = "SK:WORK_ITEM:"
	labelPrefixTask     = "SK:TASK:"
	labelPrefixTaskHash = "SK:TASKH:"
)

// MaxLabelLen is the longest session label the gateway accepts.
const MaxLabelLen = 64

// ErrInvalidExternalID is returned when canonicalization fails: a key
// component contains ':' or a colonized input disagrees with its parent keys.
var ErrInvalidExternalID = errors.New("invalid external id")

// RoutingLabel is the parsed form of a session label.
// Exactly one of Direct or TaskHash semantics applies: when Hash is empty the
// label named its entity directly.
type RoutingLabel struct {
	EntityType       string
	EntityExternalID string

	// Label and Hash are set for SK:TASKH:<hash16> labels, which require
	// resolution through the label map before the external id is known.
	Label string
	Hash  string
}

// MakeTaskHashLabel returns the compact hashed label for a task external id.
// The 16-hex-digit prefix of sha256(externalId) keeps the label under the
// 64-character budget regardless of key lengths.
func MakeTaskHashLabel(externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return labelPrefixTaskHash + hex.EncodeToString(sum[:])[:16]
}

// TaskHashOf returns the 16-hex-digit hash a task external id maps to.
func TaskHashOf(externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return hex.EncodeToString(sum[:])[:16]
}

// CanonicalizeProjectExternalID normalizes input to "project:<projectKey>".
// Bare keys are promoted; already-canonical inputs are validated.
func CanonicalizeProjectExternalID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty project id", ErrInvalidExternalID)
	}
	if !strings.Contains(input, ":") {
		return "project:" + input, nil
	}
	parts := strings.Split(input, ":")
	if len(parts) != 2 || parts[0] != "project" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q is not project:<key>", ErrInvalidExternalID, input)
	}
	return input, nil
}

// CanonicalizeWorkItemExternalID normalizes input to
// "workitem:<projectKey>:<workItemKey>". A colonized input must agree with
// the ambient project key.
func CanonicalizeWorkItemExternalID(input, projectKey string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty work item id", ErrInvalidExternalID)
	}
	if err := validKeyComponent(projectKey); err != nil {
		return "", err
	}
	if !strings.Contains(input, ":") {
		return "workitem:" + projectKey + ":" + input, nil
	}
	parts := strings.Split(input, ":")
	if len(parts) != 3 || parts[0] != "workitem" || parts[2] == "" {
		return "", fmt.Errorf("%w: %q is not workitem:<project>:<key>", ErrInvalidExternalID, input)
	}
	if parts[1] != projectKey {
		return "", fmt.Errorf("%w: work item project %q does not match %q", ErrInvalidExternalID, parts[1], projectKey)
	}
	return input, nil
}

// CanonicalizeTaskExternalID normalizes input to
// "task:<projectKey>:<workItemKey>:<taskKey>".
func CanonicalizeTaskExternalID(input, projectKey, workItemKey string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty task id", ErrInvalidExternalID)
	}
	if err := validKeyComponent(projectKey); err != nil {
		return "", err
	}
	if err := validKeyComponent(workItemKey); err != nil {
		return "", err
	}
	if !strings.Contains(input, ":") {
		return "task:" + projectKey + ":" + workItemKey + ":" + input, nil
	}
	parts := strings.Split(input, ":")
	if len(parts) != 4 || parts[0] != "task" || parts[3] == "" {
		return "", fmt.Errorf("%w: %q is not task:<project>:<workitem>:<key>", ErrInvalidExternalID, input)
	}
	if parts[1] != projectKey {
		return "", fmt.Errorf("%w: task project %q does not match %q", ErrInvalidExternalID, parts[1], projectKey)
	}
	if parts[2] != workItemKey {
		return "", fmt.Errorf("%w: task work item %q does not match %q", ErrInvalidExternalID, parts[2], workItemKey)
	}
	return input, nil
}

func validKeyComponent(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key component", ErrInvalidExternalID)
	}
	if strings.Contains(key, ":") {
		return fmt.Errorf("%w: key component %q contains ':'", ErrInvalidExternalID, key)
	}
	return nil
}

// ParseRoutingLabel parses a session label into its routing form.
// Returns nil for labels that carry no Super-Kanban routing at all.
func ParseRoutingLabel(label string) *RoutingLabel {
	label = strings.TrimSpace(label)
	switch {
	case strings.HasPrefix(label, labelPrefixTaskHash):
		hash := label[len(labelPrefixTaskHash):]
		if !isHash16(hash) {
			return nil
		}
		return &RoutingLabel{Label: label, Hash: hash}
	case strings.HasPrefix(label, labelPrefixProject):
		id := label[len(labelPrefixProject):]
		if id == "" {
			return nil
		}
		return &RoutingLabel{EntityType: EntityProject, EntityExternalID: id}
	case strings.HasPrefix(label, labelPrefixWorkItem):
		id := label[len(labelPrefixWorkItem):]
		if id == "" {
			return nil
		}
		return &RoutingLabel{EntityType: EntityWorkItem, EntityExternalID: id}
	case strings.HasPrefix(label, labelPrefixTask):
		id := label[len(labelPrefixTask):]
		if id == "" {
			return nil
		}
		return &RoutingLabel{EntityType: EntityTask, EntityExternalID: id}
	}
	return nil
}

func isHash16(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// TruncateLabel shortens a label to the 64-character budget. Overlong labels
// keep a head plus "~" and a 10-hex-digit sha256 suffix so distinct long
// labels stay distinct.
func TruncateLabel(label string) string {
	if len(label) <= MaxLabelLen {
		return label
	}
	sum := sha256.Sum256([]byte(label))
	suffix := "~" + hex.EncodeToString(sum[:])[:10]
	return label[:MaxLabelLen-len(suffix)] + suffix
}

// MessageKeyInput carries the fields BuildMessageKey hashes when no explicit
// message id is available.
type MessageKeyInput struct {
	SessionKey   string
	MessageID    string
	Role         string
	OccurredAtMs int64
	Content      string
}

// BuildMessageKey derives the idempotency key for a message post. An explicit
// message id wins; otherwise the key is a sha1 over role, timestamp, and
// content, which is stable for replay.
func BuildMessageKey(in MessageKeyInput) string {
	if in.MessageID != "" {
		return in.SessionKey + ":" + in.MessageID
	}
	h := sha1.Sum([]byte(in.Role + "|" + strconv.FormatInt(in.OccurredAtMs, 10) + "|" + in.Content))
	return in.SessionKey + ":msg:" + hex.EncodeToString(h[:])
}

// BuildToolCallKey derives the idempotency key for a tool-call post.
func BuildToolCallKey(sessionKey, toolCallID string) string {
	return sessionKey + ":" + toolCallID
}
