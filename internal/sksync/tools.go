package sksync

import (
	"context"
	"fmt"

	"github.com/aira-core/openclaw/internal/skclient"
)

// Direct tools: thin agent-callable wrappers over the SK client, with the
// same validation discipline as the spawn tool.

// SetTaskStatus patches a task's status.
func (c *Controller) SetTaskStatus(ctx context.Context, taskID, status string) error {
	switch status {
	case skclient.TaskInProgress, skclient.TaskDone, skclient.TaskBlocked, skclient.TaskCancelled:
	default:
		return fmt.Errorf("sksync: unknown task status %q", status)
	}
	return c.sk.PatchStatus(ctx, "tasks", taskID, status)
}

// Archive flips an entity's archived flag. Kind is "projects", "work-items",
// or "tasks".
func (c *Controller) Archive(ctx context.Context, kind, id string, archived bool) error {
	switch kind {
	case "projects", "work-items", "tasks":
	default:
		return fmt.Errorf("sksync: unknown entity kind %q", kind)
	}
	return c.sk.PatchArchived(ctx, kind, id, archived)
}

// SessionsFor lists the execution sessions bound to an entity.
func (c *Controller) SessionsFor(ctx context.Context, kind, id string) ([]skclient.Session, error) {
	switch kind {
	case "projects", "work-items", "tasks":
	default:
		return nil, fmt.Errorf("sksync: unknown entity kind %q", kind)
	}
	return c.sk.ListEntitySessions(ctx, kind, id)
}

// ReleaseLock force-releases a task lock on behalf of its owner.
func (c *Controller) ReleaseLock(ctx context.Context, taskID, owner string) error {
	if taskID == "" || owner == "" {
		return fmt.Errorf("sksync: task id and owner required")
	}
	return c.sk.UnlockTask(ctx, taskID, owner)
}
