// Package sksync is the Super-Kanban session controller. On behalf of an
// agent tool invocation it upserts SK entities, takes task locks, reuses or
// spawns OpenClaw sessions, and reconciles terminal session and task state
// through the runtime's lifecycle hooks, including waking a parent session
// when a spawned child finishes.
package sksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aira-core/openclaw/internal/shared"
	"github.com/aira-core/openclaw/internal/skclient"
	"github.com/aira-core/openclaw/internal/skkey"
)

// Spawn levels.
const (
	LevelOrion  = "ORION"  // project-scoped coordinator
	LevelAtlas  = "ATLAS"  // work-item-scoped coordinator
	LevelWorker = "WORKER" // task-scoped worker
)

// Spawn result statuses.
const (
	StatusSpawned  = "spawned"
	StatusReused   = "reused"
	StatusConflict = "conflict"
)

const (
	defaultLockTTLSeconds = 3600
	minLockTTLSeconds     = 60
)

// SKAPI is the slice of the Super-Kanban client the controller uses.
type SKAPI interface {
	UpsertProject(ctx context.Context, req skclient.UpsertProjectRequest) (*skclient.Project, error)
	UpsertWorkItem(ctx context.Context, req skclient.UpsertWorkItemRequest) (*skclient.WorkItem, error)
	UpsertTask(ctx context.Context, req skclient.UpsertTaskRequest) (*skclient.Task, error)
	AttachSession(ctx context.Context, req skclient.AttachSessionRequest) error
	LockTask(ctx context.Context, taskID, owner string, ttlSeconds int) error
	UnlockTask(ctx context.Context, taskID, owner string) error
	PatchStatus(ctx context.Context, kind, id, status string) error
	PatchArchived(ctx context.Context, kind, id string, archived bool) error
	ListEntitySessions(ctx context.Context, kind, id string) ([]skclient.Session, error)
	ResolveSession(ctx context.Context, sessionKey string) (*skclient.Session, error)
}

// SpawnRequest is the injected session-spawn call.
type SpawnRequest struct {
	Task              string
	Label             string
	AgentID           string
	Model             string
	Thinking          string
	Cwd               string
	RunTimeoutSeconds int
	Mode              string
	Cleanup           string
}

// SpawnResponse reports whether the runtime accepted the spawn.
type SpawnResponse struct {
	Accepted   bool
	RunID      string
	SessionKey string
}

// SessionsAPI is the OpenClaw runtime surface the controller drives.
type SessionsAPI interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResponse, error)
	Send(ctx context.Context, sessionKey, message string) error
}

// WakeRequest is the gateway RPC that nudges a parent session awake.
type WakeRequest struct {
	SessionKey     string
	Deliver        string // "" = no delivery, "last" = last used channel
	Lane           string
	IdempotencyKey string
	Message        string
}

// ParentWaker issues the wake RPC.
type ParentWaker interface {
	Wake(ctx context.Context, req WakeRequest) error
}

// SpawnInput is the agent-facing spawn tool payload.
type SpawnInput struct {
	Level string
	Task  string
	Label string

	ProjectKey  string
	ProjectName string

	WorkItemKey   string
	WorkItemTitle string

	TaskKey   string
	TaskTitle string

	AgentID           string
	WakeParentOnEnd   *bool // nil = true
	Model             string
	Thinking          string
	Cwd               string
	RunTimeoutSeconds int
}

// SpawnResult is returned to the agent. A lock conflict is a result, not an
// error, so the agent can react to it structurally.
type SpawnResult struct {
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
	EntityType       string `json:"entityType"`
	EntityExternalID string `json:"entityExternalId"`
	RunID            string `json:"runId,omitempty"`
	SessionKey       string `json:"sessionKey,omitempty"`
}

type trackedRun struct {
	parentSessionKey string
	childSessionKey  string
	entityType       string
	entityExternalID string
	taskID           string
	wakeParentOnEnd  bool
}

// Config wires a Controller.
type Config struct {
	SK             SKAPI
	Sessions       SessionsAPI
	Waker          ParentWaker
	Logger         *slog.Logger
	LockTTLSeconds int
}

// Controller tracks spawned runs and reconciles their terminal state.
type Controller struct {
	sk       SKAPI
	sessions SessionsAPI
	waker    ParentWaker
	logger   *slog.Logger
	lockTTL  int

	mu               sync.Mutex
	entriesByRunID   map[string]*trackedRun
	runIDByChildKey  map[string]string
	requesterByChild map[string]string
}

// New builds a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.SK == nil {
		return nil, errors.New("sksync: SK client required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("sksync: sessions API required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ttl := cfg.LockTTLSeconds
	if ttl <= 0 {
		ttl = defaultLockTTLSeconds
	}
	if ttl < minLockTTLSeconds {
		ttl = minLockTTLSeconds
	}
	return &Controller{
		sk:               cfg.SK,
		sessions:         cfg.Sessions,
		waker:            cfg.Waker,
		logger:           cfg.Logger,
		lockTTL:          ttl,
		entriesByRunID:   make(map[string]*trackedRun),
		runIDByChildKey:  make(map[string]string),
		requesterByChild: make(map[string]string),
	}, nil
}

// Spawn implements the agent spawn tool: canonicalize, upsert bottom-up,
// lock (WORKER), reuse (ORION/ATLAS), spawn otherwise, track for wake-up.
func (c *Controller) Spawn(ctx context.Context, in SpawnInput) (*SpawnResult, error) {
	level := strings.ToUpper(strings.TrimSpace(in.Level))
	switch level {
	case LevelOrion, LevelAtlas, LevelWorker:
	default:
		return nil, fmt.Errorf("sksync: unknown level %q", in.Level)
	}
	if strings.TrimSpace(in.Task) == "" {
		return nil, errors.New("sksync: task must be non-empty")
	}

	// Canonicalize everything before the first network call so an invalid
	// id fails deterministically with nothing half-created.
	projectExt, err := skkey.CanonicalizeProjectExternalID(in.ProjectKey)
	if err != nil {
		return nil, err
	}
	projectKey := keyTail(projectExt)

	var workItemExt, taskExt string
	if level == LevelAtlas || level == LevelWorker {
		workItemExt, err = skkey.CanonicalizeWorkItemExternalID(in.WorkItemKey, projectKey)
		if err != nil {
			return nil, err
		}
	}
	workItemKey := keyTail(workItemExt)
	if level == LevelWorker {
		taskExt, err = skkey.CanonicalizeTaskExternalID(in.TaskKey, projectKey, workItemKey)
		if err != nil {
			return nil, err
		}
	}

	projectName := in.ProjectName
	if projectName == "" {
		projectName = projectKey
	}
	workItemTitle := in.WorkItemTitle
	if workItemTitle == "" {
		workItemTitle = workItemKey
	}
	taskTitle := in.TaskTitle
	if taskTitle == "" {
		taskTitle = keyTail(taskExt)
	}

	// Upsert bottom-up relative to the level.
	project, err := c.sk.UpsertProject(ctx, skclient.UpsertProjectRequest{
		ExternalID: projectExt,
		Name:       projectName,
		Status:     skclient.TaskInProgress,
	})
	if err != nil {
		return nil, err
	}
	var workItem *skclient.WorkItem
	if level == LevelAtlas || level == LevelWorker {
		workItem, err = c.sk.UpsertWorkItem(ctx, skclient.UpsertWorkItemRequest{
			ExternalID:        workItemExt,
			ProjectExternalID: projectExt,
			Title:             workItemTitle,
			Status:            skclient.TaskInProgress,
		})
		if err != nil {
			return nil, err
		}
	}

	var entityType, entityExt, entityID string
	var task *skclient.Task
	switch level {
	case LevelOrion:
		entityType, entityExt, entityID = skkey.EntityProject, projectExt, project.ID
	case LevelAtlas:
		entityType, entityExt, entityID = skkey.EntityWorkItem, workItemExt, workItem.ID
	case LevelWorker:
		entityType, entityExt = skkey.EntityTask, taskExt
		task, err = c.sk.UpsertTask(ctx, skclient.UpsertTaskRequest{
			ExternalID:         taskExt,
			WorkItemExternalID: workItemExt,
			Title:              taskTitle,
			Status:             skclient.TaskInProgress,
		})
		if err != nil {
			return nil, err
		}
	}

	owner := shared.SessionKey(ctx)
	if owner == "" {
		owner = "sk-sync"
	}

	if level == LevelWorker {
		if err := c.sk.LockTask(ctx, task.ID, owner, c.lockTTL); err != nil {
			if errors.Is(err, skclient.ErrTaskLocked) {
				return &SpawnResult{
					Status:           StatusConflict,
					Reason:           "task_locked",
					EntityType:       entityType,
					EntityExternalID: entityExt,
				}, nil
			}
			return nil, err
		}
	}

	// ORION/ATLAS prefer an existing session over spawning a new one.
	if level == LevelOrion || level == LevelAtlas {
		if existing := c.findReusableSession(ctx, entityType, entityID); existing != nil {
			if err := c.sk.AttachSession(ctx, skclient.AttachSessionRequest{
				SessionKey:       existing.SessionKey,
				EntityType:       entityType,
				EntityExternalID: entityExt,
				State:            skclient.SessionRunning,
			}); err != nil {
				return nil, err
			}
			if err := c.sessions.Send(ctx, existing.SessionKey, in.Task); err != nil {
				return nil, err
			}
			return &SpawnResult{
				Status:           StatusReused,
				EntityType:       entityType,
				EntityExternalID: entityExt,
				SessionKey:       existing.SessionKey,
			}, nil
		}
	}

	label := in.Label
	if label == "" {
		label = routingLabelFor(entityType, entityExt)
	}

	resp, err := c.sessions.Spawn(ctx, SpawnRequest{
		Task:              in.Task,
		Label:             label,
		AgentID:           in.AgentID,
		Model:             in.Model,
		Thinking:          in.Thinking,
		Cwd:               in.Cwd,
		RunTimeoutSeconds: in.RunTimeoutSeconds,
		Mode:              "run",
		Cleanup:           "keep",
	})
	if err != nil || !resp.Accepted {
		if level == LevelWorker {
			// Best-effort: a spawn that never started must not keep the lock.
			if uerr := c.sk.UnlockTask(ctx, task.ID, owner); uerr != nil {
				c.logger.Warn("unlock after failed spawn", "task_id", task.ID, "error", uerr)
			}
		}
		if err != nil {
			return nil, err
		}
		return nil, errors.New("sksync: spawn not accepted")
	}

	wake := in.WakeParentOnEnd == nil || *in.WakeParentOnEnd
	entry := &trackedRun{
		parentSessionKey: owner,
		childSessionKey:  resp.SessionKey,
		entityType:       entityType,
		entityExternalID: entityExt,
		wakeParentOnEnd:  wake,
	}
	if task != nil {
		entry.taskID = task.ID
	}
	c.mu.Lock()
	c.entriesByRunID[resp.RunID] = entry
	c.runIDByChildKey[resp.SessionKey] = resp.RunID
	c.mu.Unlock()

	if err := c.sk.AttachSession(ctx, skclient.AttachSessionRequest{
		SessionKey:       resp.SessionKey,
		EntityType:       entityType,
		EntityExternalID: entityExt,
		State:            skclient.SessionRunning,
	}); err != nil {
		c.logger.Warn("attach spawned session", "session_key", resp.SessionKey, "error", err)
	}

	return &SpawnResult{
		Status:           StatusSpawned,
		EntityType:       entityType,
		EntityExternalID: entityExt,
		RunID:            resp.RunID,
		SessionKey:       resp.SessionKey,
	}, nil
}

func (c *Controller) findReusableSession(ctx context.Context, entityType, entityID string) *skclient.Session {
	kind := "projects"
	if entityType == skkey.EntityWorkItem {
		kind = "work-items"
	}
	sessions, err := c.sk.ListEntitySessions(ctx, kind, entityID)
	if err != nil || len(sessions) == 0 {
		return nil
	}
	for i := range sessions {
		if sessions[i].State == skclient.SessionRunning {
			return &sessions[i]
		}
	}
	return &sessions[0]
}

// routingLabelFor derives the session label that binds a transcript back to
// its entity. Task labels that blow the budget fall back to the hashed form.
func routingLabelFor(entityType, entityExt string) string {
	switch entityType {
	case skkey.EntityProject:
		return skkey.TruncateLabel("SK:PROJECT:" + entityExt)
	case skkey.EntityWorkItem:
		return skkey.TruncateLabel("SK:WORK_ITEM:" + entityExt)
	default:
		label := "SK:TASK:" + entityExt
		if len(label) > skkey.MaxLabelLen {
			return skkey.MakeTaskHashLabel(entityExt)
		}
		return label
	}
}

// keyTail returns the last colon-separated component of a canonical id.
func keyTail(ext string) string {
	if ext == "" {
		return ""
	}
	parts := strings.Split(ext, ":")
	return parts[len(parts)-1]
}
