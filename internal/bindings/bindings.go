// Package bindings resolves which Super-Kanban entity a transcript session
// belongs to. The agent runtime writes sessions.json per agent; this package
// reverse-indexes it by session id, parses routing labels, and resolves
// hashed task labels through the persistent label map.
package bindings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aira-core/openclaw/internal/skkey"
)

// SessionBinding ties a session to one Super-Kanban entity.
type SessionBinding struct {
	SessionKey       string
	Label            string
	EntityType       string
	EntityExternalID string
}

// sessionsFileEntry is one value in sessions.json:
// { "<sessionKey>": { "sessionId": "...", "label": "..." } }.
type sessionsFileEntry struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label,omitempty"`
}

type agentIndex struct {
	modTime     time.Time
	bySessionID map[string]indexEntry
}

type indexEntry struct {
	sessionKey string
	label      string
}

// Index resolves (agentID, sessionID) pairs to bindings. Each agent's
// sessions.json is cached and reloaded when its modification time changes;
// the replacement is atomic under the index mutex.
type Index struct {
	stateDir string
	labelMap *LabelMap
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*agentIndex
}

// NewIndex creates an index rooted at stateDir.
func NewIndex(stateDir string, labelMap *LabelMap, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		stateDir: stateDir,
		labelMap: labelMap,
		logger:   logger,
		cache:    make(map[string]*agentIndex),
	}
}

// SessionsFilePath returns the sessions.json path for an agent.
func (ix *Index) SessionsFilePath(agentID string) string {
	return filepath.Join(ix.stateDir, "agents", agentID, "sessions", "sessions.json")
}

// Resolve returns the binding for a session, or nil when the session is not
// bound to Super-Kanban. Hashed labels resolve only through the label map
// here; use ResolveWithScan when a transcript is available for discovery.
func (ix *Index) Resolve(agentID, sessionID string) (*SessionBinding, error) {
	return ix.resolve(agentID, sessionID, "", false)
}

// ResolveWithScan is Resolve plus best-effort hashed-label discovery: on a
// label-map miss the transcript prefix is scanned for candidate external ids,
// and in fix mode a discovered mapping is persisted.
func (ix *Index) ResolveWithScan(agentID, sessionID, transcriptPath string, fix bool) (*SessionBinding, error) {
	return ix.resolve(agentID, sessionID, transcriptPath, fix)
}

func (ix *Index) resolve(agentID, sessionID, transcriptPath string, fix bool) (*SessionBinding, error) {
	entry, ok, err := ix.lookup(agentID, sessionID)
	if err != nil || !ok {
		return nil, err
	}
	routing := skkey.ParseRoutingLabel(entry.label)
	if routing == nil {
		return nil, nil
	}
	if routing.Hash == "" {
		return &SessionBinding{
			SessionKey:       entry.sessionKey,
			Label:            entry.label,
			EntityType:       routing.EntityType,
			EntityExternalID: routing.EntityExternalID,
		}, nil
	}

	externalID, ok := ix.labelMap.ResolveHash(routing.Hash)
	if !ok && transcriptPath != "" {
		externalID, ok = ScanForHash(transcriptPath, routing.Hash)
		if ok && fix {
			if err := ix.labelMap.Append(LabelMapEntry{
				ExternalID: externalID,
				Label:      routing.Label,
				Hash:       routing.Hash,
			}); err != nil {
				ix.logger.Warn("label map append failed", "hash", routing.Hash, "error", err)
			}
		}
	}
	if !ok {
		return nil, nil
	}
	return &SessionBinding{
		SessionKey:       entry.sessionKey,
		Label:            entry.label,
		EntityType:       skkey.EntityTask,
		EntityExternalID: externalID,
	}, nil
}

func (ix *Index) lookup(agentID, sessionID string) (indexEntry, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	path := ix.SessionsFilePath(agentID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return indexEntry{}, false, nil
		}
		return indexEntry{}, false, err
	}

	cached := ix.cache[agentID]
	if cached == nil || !cached.modTime.Equal(info.ModTime()) {
		loaded, err := loadSessionsFile(path)
		if err != nil {
			return indexEntry{}, false, fmt.Errorf("bindings: load %s: %w", path, err)
		}
		cached = &agentIndex{modTime: info.ModTime(), bySessionID: loaded}
		ix.cache[agentID] = cached
	}

	entry, ok := cached.bySessionID[sessionID]
	return entry, ok, nil
}

func loadSessionsFile(path string) (map[string]indexEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file map[string]sessionsFileEntry
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	out := make(map[string]indexEntry, len(file))
	for sessionKey, entry := range file {
		if entry.SessionID == "" {
			continue
		}
		out[entry.SessionID] = indexEntry{sessionKey: sessionKey, label: entry.Label}
	}
	return out, nil
}
