package sksync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aira-core/openclaw/internal/skclient"
	"github.com/aira-core/openclaw/internal/skkey"
)

// WakeLane tags wake RPCs so the gateway can route them away from user lanes.
const WakeLane = "sk-sync-wake"

// SubagentSpawnedEvent arrives when the runtime spawns a child session.
type SubagentSpawnedEvent struct {
	RunID            string
	ParentSessionKey string
	ChildSessionKey  string
}

// AgentEndEvent arrives when any agent session ends.
type AgentEndEvent struct {
	SessionKey string
	Outcome    string
}

// SubagentEndedEvent arrives when a spawned child session ends.
type SubagentEndedEvent struct {
	RunID      string
	SessionKey string
	Outcome    string
}

// outcomeStates maps a runtime outcome to (session state, task status).
func outcomeStates(outcome string) (sessionState, taskStatus string) {
	switch outcome {
	case "ok":
		return skclient.SessionDone, skclient.TaskDone
	case "killed", "reset", "deleted":
		return skclient.SessionCancelled, skclient.TaskCancelled
	case "timeout", "error":
		return skclient.SessionFailed, skclient.TaskBlocked
	default:
		return skclient.SessionFailed, skclient.TaskBlocked
	}
}

// SubagentSpawned records the child → requester mapping for later
// ownership-based unlock.
func (c *Controller) SubagentSpawned(_ context.Context, ev SubagentSpawnedEvent) {
	if ev.ChildSessionKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.ParentSessionKey != "" {
		c.requesterByChild[ev.ChildSessionKey] = ev.ParentSessionKey
	}
	if ev.RunID != "" {
		if _, ok := c.entriesByRunID[ev.RunID]; ok {
			c.runIDByChildKey[ev.ChildSessionKey] = ev.RunID
		}
	}
}

// AgentEnd is the fast path: it closes the SK session only for sessions this
// controller spawned and tracked.
func (c *Controller) AgentEnd(ctx context.Context, ev AgentEndEvent) {
	c.mu.Lock()
	runID, tracked := c.runIDByChildKey[ev.SessionKey]
	c.mu.Unlock()
	if !tracked {
		return
	}
	c.closeSession(ctx, runID, ev.SessionKey, ev.Outcome)
}

// SubagentEnded is the fallback close path plus the parent-wake trigger.
func (c *Controller) SubagentEnded(ctx context.Context, ev SubagentEndedEvent) {
	runID := ev.RunID
	if runID == "" {
		c.mu.Lock()
		runID = c.runIDByChildKey[ev.SessionKey]
		c.mu.Unlock()
	}
	c.closeSession(ctx, runID, ev.SessionKey, ev.Outcome)
	c.wakeParent(ctx, runID, ev.SessionKey, ev.Outcome)
}

// closeSession reconciles SK state for an ended child: terminal attach, task
// status patch, and unlock. Re-entry is safe: a session SK already reports
// terminal is not re-ended, but task status and unlock are re-applied
// best-effort.
func (c *Controller) closeSession(ctx context.Context, runID, sessionKey, outcome string) {
	c.mu.Lock()
	entry := c.entriesByRunID[runID]
	c.mu.Unlock()
	if entry == nil || sessionKey == "" {
		return
	}

	state, taskStatus := outcomeStates(outcome)

	alreadyTerminal := false
	if existing, err := c.sk.ResolveSession(ctx, sessionKey); err == nil && existing != nil {
		alreadyTerminal = existing.State != skclient.SessionRunning && existing.State != ""
	}

	if !alreadyTerminal {
		if err := c.sk.AttachSession(ctx, skclient.AttachSessionRequest{
			SessionKey:       sessionKey,
			EntityType:       entry.entityType,
			EntityExternalID: entry.entityExternalID,
			State:            state,
			Outcome:          outcome,
		}); err != nil {
			c.logger.Warn("terminal attach failed", "session_key", sessionKey, "error", err)
		}
	}

	if entry.entityType == skkey.EntityTask && entry.taskID != "" {
		if err := c.sk.PatchStatus(ctx, "tasks", entry.taskID, taskStatus); err != nil {
			c.logger.Warn("task status patch failed", "task_id", entry.taskID, "error", err)
		}
		owner := entry.parentSessionKey
		c.mu.Lock()
		if requester, ok := c.requesterByChild[sessionKey]; ok && requester != "" {
			owner = requester
		}
		c.mu.Unlock()
		if err := c.sk.UnlockTask(ctx, entry.taskID, owner); err != nil {
			c.logger.Warn("task unlock failed", "task_id", entry.taskID, "error", err)
		}
	}
}

// wakeParent issues at most one wake RPC per runId, with a fresh idempotency
// key per logical wake. The tracker entry is removed after the attempt
// whether or not the RPC succeeded.
func (c *Controller) wakeParent(ctx context.Context, runID, childSessionKey, outcome string) {
	if runID == "" {
		return
	}
	c.mu.Lock()
	entry := c.entriesByRunID[runID]
	if entry != nil {
		delete(c.entriesByRunID, runID)
		delete(c.runIDByChildKey, entry.childSessionKey)
		delete(c.requesterByChild, entry.childSessionKey)
	}
	c.mu.Unlock()
	if entry == nil || !entry.wakeParentOnEnd || c.waker == nil {
		return
	}
	if childSessionKey == "" {
		childSessionKey = entry.childSessionKey
	}

	state, _ := outcomeStates(outcome)
	msg := fmt.Sprintf("Subagent finished: status=%s outcome=%s child=%s run=%s",
		state, outcome, childSessionKey, runID)
	err := c.waker.Wake(ctx, WakeRequest{
		SessionKey:     entry.parentSessionKey,
		Deliver:        "", // production never bounces terminal sessions
		Lane:           WakeLane,
		IdempotencyKey: uuid.NewString(),
		Message:        msg,
	})
	if err != nil {
		c.logger.Warn("parent wake failed", "run_id", runID, "parent", entry.parentSessionKey, "error", err)
	}
}

// TrackedRuns reports how many spawned runs still await their end hook.
func (c *Controller) TrackedRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entriesByRunID)
}
