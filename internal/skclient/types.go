package skclient

// Session states mirrored from Super-Kanban.
const (
	SessionRunning   = "RUNNING"
	SessionDone      = "DONE"
	SessionFailed    = "FAILED"
	SessionCancelled = "CANCELLED"
)

// Task statuses mirrored from Super-Kanban.
const (
	TaskInProgress = "IN_PROGRESS"
	TaskDone       = "DONE"
	TaskBlocked    = "BLOCKED"
	TaskCancelled  = "CANCELLED"
)

// Project is a Super-Kanban project.
type Project struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

// WorkItem is a Super-Kanban work item under a project.
type WorkItem struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	ProjectID  string `json:"projectId"`
	Title      string `json:"title"`
	Status     string `json:"status,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

// Task is a Super-Kanban task under a work item.
type Task struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	WorkItemID string `json:"workItemId"`
	Title      string `json:"title"`
	Status     string `json:"status,omitempty"`
	Archived   bool   `json:"archived,omitempty"`
}

// Session is an execution session as SK sees it.
type Session struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	StartedAt  string `json:"startedAt,omitempty"`
	EndedAt    string `json:"endedAt,omitempty"`
}

// UpsertProjectRequest creates or updates a project by external id.
type UpsertProjectRequest struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
}

// UpsertWorkItemRequest creates or updates a work item by external id.
type UpsertWorkItemRequest struct {
	ExternalID        string `json:"externalId"`
	ProjectExternalID string `json:"projectExternalId"`
	Title             string `json:"title"`
	Status            string `json:"status,omitempty"`
}

// UpsertTaskRequest creates or updates a task by external id.
type UpsertTaskRequest struct {
	ExternalID         string `json:"externalId"`
	WorkItemExternalID string `json:"workItemExternalId"`
	Title              string `json:"title"`
	Status             string `json:"status,omitempty"`
}

// AttachSessionRequest binds a session to an entity. Exactly one of EntityID
// or EntityExternalID must be set.
type AttachSessionRequest struct {
	SessionKey       string `json:"sessionKey"`
	EntityType       string `json:"entityType"`
	EntityID         string `json:"entityId,omitempty"`
	EntityExternalID string `json:"entityExternalId,omitempty"`
	State            string `json:"state"`
	StartedAt        string `json:"startedAt,omitempty"`
	EndedAt          string `json:"endedAt,omitempty"`
	Outcome          string `json:"outcome,omitempty"`
}

// RecordMessageRequest posts one transcript message.
type RecordMessageRequest struct {
	SessionKey       string            `json:"sessionKey"`
	EntityType       string            `json:"entityType,omitempty"`
	EntityExternalID string            `json:"entityExternalId,omitempty"`
	EntityID         string            `json:"entityId,omitempty"`
	MessageKey       string            `json:"messageKey"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	OccurredAt       *string           `json:"occurredAt"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RecordToolCallRequest posts one tool-call lifecycle record.
type RecordToolCallRequest struct {
	SessionKey       string            `json:"sessionKey"`
	EntityType       string            `json:"entityType,omitempty"`
	EntityExternalID string            `json:"entityExternalId,omitempty"`
	EntityID         string            `json:"entityId,omitempty"`
	ToolCallKey      string            `json:"toolCallKey"`
	ToolName         string            `json:"toolName,omitempty"`
	Status           string            `json:"status"`
	OccurredAt       *string           `json:"occurredAt"`
	ParamsText       string            `json:"paramsText,omitempty"`
	ResultText       string            `json:"resultText,omitempty"`
	ErrorText        string            `json:"errorText,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// EventRequest records an idempotent comment-style event.
type EventRequest struct {
	EventID    string `json:"eventId"`
	SessionKey string `json:"sessionKey,omitempty"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	Kind       string `json:"kind"`
	Body       string `json:"body,omitempty"`
}
