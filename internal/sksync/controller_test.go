package sksync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aira-core/openclaw/internal/shared"
	"github.com/aira-core/openclaw/internal/skclient"
	"github.com/aira-core/openclaw/internal/skkey"
)

type fakeSK struct {
	mu sync.Mutex

	projects  []skclient.UpsertProjectRequest
	workItems []skclient.UpsertWorkItemRequest
	tasks     []skclient.UpsertTaskRequest
	attaches  []skclient.AttachSessionRequest
	locks     []string
	unlocks   []string
	patches   []string
	resolved  map[string]*skclient.Session
	sessions  []skclient.Session

	lockErr error
}

func newFakeSK() *fakeSK {
	return &fakeSK{resolved: make(map[string]*skclient.Session)}
}

func (f *fakeSK) UpsertProject(_ context.Context, req skclient.UpsertProjectRequest) (*skclient.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, req)
	return &skclient.Project{ID: "p-1", ExternalID: req.ExternalID, Name: req.Name}, nil
}

func (f *fakeSK) UpsertWorkItem(_ context.Context, req skclient.UpsertWorkItemRequest) (*skclient.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workItems = append(f.workItems, req)
	return &skclient.WorkItem{ID: "w-1", ExternalID: req.ExternalID}, nil
}

func (f *fakeSK) UpsertTask(_ context.Context, req skclient.UpsertTaskRequest) (*skclient.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, req)
	return &skclient.Task{ID: "t-1", ExternalID: req.ExternalID}, nil
}

func (f *fakeSK) AttachSession(_ context.Context, req skclient.AttachSessionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches = append(f.attaches, req)
	return nil
}

func (f *fakeSK) LockTask(_ context.Context, taskID, owner string, ttl int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return f.lockErr
	}
	f.locks = append(f.locks, fmt.Sprintf("%s/%s/%d", taskID, owner, ttl))
	return nil
}

func (f *fakeSK) UnlockTask(_ context.Context, taskID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks = append(f.unlocks, taskID+"/"+owner)
	return nil
}

func (f *fakeSK) PatchStatus(_ context.Context, kind, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, kind+"/"+id+"/"+status)
	return nil
}

func (f *fakeSK) PatchArchived(_ context.Context, kind, id string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, fmt.Sprintf("%s/%s/archived=%v", kind, id, archived))
	return nil
}

func (f *fakeSK) ListEntitySessions(_ context.Context, _, _ string) ([]skclient.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, nil
}

func (f *fakeSK) ResolveSession(_ context.Context, sessionKey string) (*skclient.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved[sessionKey], nil
}

type fakeSessions struct {
	mu       sync.Mutex
	spawns   []SpawnRequest
	sends    []string
	accepted bool
	spawnErr error
	nextRun  int
}

func (f *fakeSessions) Spawn(_ context.Context, req SpawnRequest) (SpawnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return SpawnResponse{}, f.spawnErr
	}
	f.spawns = append(f.spawns, req)
	if !f.accepted {
		return SpawnResponse{Accepted: false}, nil
	}
	f.nextRun++
	return SpawnResponse{
		Accepted:   true,
		RunID:      fmt.Sprintf("run-%d", f.nextRun),
		SessionKey: fmt.Sprintf("child-%d", f.nextRun),
	}, nil
}

func (f *fakeSessions) Send(_ context.Context, sessionKey, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sessionKey+": "+message)
	return nil
}

type fakeWaker struct {
	mu    sync.Mutex
	wakes []WakeRequest
}

func (f *fakeWaker) Wake(_ context.Context, req WakeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes = append(f.wakes, req)
	return nil
}

func newTestController(t *testing.T) (*Controller, *fakeSK, *fakeSessions, *fakeWaker) {
	t.Helper()
	sk := newFakeSK()
	sessions := &fakeSessions{accepted: true}
	waker := &fakeWaker{}
	c, err := New(Config{SK: sk, Sessions: sessions, Waker: waker})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sk, sessions, waker
}

func workerInput() SpawnInput {
	return SpawnInput{
		Level:       LevelWorker,
		Task:        "implement the login flow",
		ProjectKey:  "acme",
		WorkItemKey: "auth",
		TaskKey:     "login",
	}
}

func TestSpawn_WorkerHappyPath(t *testing.T) {
	c, sk, sessions, _ := newTestController(t)
	ctx := shared.WithSessionKey(context.Background(), "parent-key")

	res, err := c.Spawn(ctx, workerInput())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.Status != StatusSpawned || res.EntityType != skkey.EntityTask {
		t.Fatalf("result = %+v", res)
	}
	if res.EntityExternalID != "task:acme:auth:login" {
		t.Fatalf("entity external id = %q", res.EntityExternalID)
	}

	// Upserts bottom-up: project, work item, task.
	if len(sk.projects) != 1 || sk.projects[0].ExternalID != "project:acme" {
		t.Fatalf("projects = %+v", sk.projects)
	}
	if len(sk.workItems) != 1 || sk.workItems[0].ExternalID != "workitem:acme:auth" {
		t.Fatalf("work items = %+v", sk.workItems)
	}
	if len(sk.tasks) != 1 || sk.tasks[0].ExternalID != "task:acme:auth:login" {
		t.Fatalf("tasks = %+v", sk.tasks)
	}
	// Lock taken with the caller's session key as owner.
	if len(sk.locks) != 1 || !strings.HasPrefix(sk.locks[0], "t-1/parent-key/") {
		t.Fatalf("locks = %+v", sk.locks)
	}
	// Spawn carries run mode and keep cleanup.
	if len(sessions.spawns) != 1 || sessions.spawns[0].Mode != "run" || sessions.spawns[0].Cleanup != "keep" {
		t.Fatalf("spawns = %+v", sessions.spawns)
	}
	if sessions.spawns[0].Label != "SK:TASK:task:acme:auth:login" {
		t.Fatalf("label = %q", sessions.spawns[0].Label)
	}
	// Child attached RUNNING.
	if len(sk.attaches) != 1 || sk.attaches[0].State != skclient.SessionRunning || sk.attaches[0].SessionKey != "child-1" {
		t.Fatalf("attaches = %+v", sk.attaches)
	}
	if c.TrackedRuns() != 1 {
		t.Fatalf("tracked runs = %d", c.TrackedRuns())
	}
}

func TestSpawn_WorkerLockConflict(t *testing.T) {
	c, sk, sessions, _ := newTestController(t)
	sk.lockErr = fmt.Errorf("%w: t-1", skclient.ErrTaskLocked)

	res, err := c.Spawn(context.Background(), workerInput())
	if err != nil {
		t.Fatalf("conflict must be a result, not an error: %v", err)
	}
	if res.Status != StatusConflict || res.Reason != "task_locked" || res.EntityType != skkey.EntityTask {
		t.Fatalf("result = %+v", res)
	}
	if len(sessions.spawns) != 0 {
		t.Fatalf("spawn called despite conflict: %+v", sessions.spawns)
	}
}

func TestSpawn_InvalidExternalID(t *testing.T) {
	c, sk, _, _ := newTestController(t)
	in := workerInput()
	in.WorkItemKey = "workitem:other:auth"

	if _, err := c.Spawn(context.Background(), in); err == nil {
		t.Fatal("expected canonicalization error")
	}
	// Canonicalization happens before any network call.
	if len(sk.projects) != 0 {
		t.Fatalf("upserts before validation: %+v", sk.projects)
	}
}

func TestSpawn_OrionReusesRunningSession(t *testing.T) {
	c, sk, sessions, _ := newTestController(t)
	sk.sessions = []skclient.Session{
		{SessionKey: "old-idle", State: skclient.SessionDone},
		{SessionKey: "old-running", State: skclient.SessionRunning},
	}

	res, err := c.Spawn(context.Background(), SpawnInput{
		Level:      LevelOrion,
		Task:       "plan the quarter",
		ProjectKey: "acme",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.Status != StatusReused || res.SessionKey != "old-running" {
		t.Fatalf("result = %+v", res)
	}
	if len(sessions.spawns) != 0 {
		t.Fatal("reuse path must not spawn")
	}
	if len(sessions.sends) != 1 || !strings.HasPrefix(sessions.sends[0], "old-running: ") {
		t.Fatalf("sends = %+v", sessions.sends)
	}
	// Re-attached RUNNING before the task was forwarded.
	if len(sk.attaches) != 1 || sk.attaches[0].SessionKey != "old-running" {
		t.Fatalf("attaches = %+v", sk.attaches)
	}
}

func TestSpawn_OrionFallsBackToFirstSession(t *testing.T) {
	c, sk, _, _ := newTestController(t)
	sk.sessions = []skclient.Session{
		{SessionKey: "first-done", State: skclient.SessionDone},
		{SessionKey: "second-done", State: skclient.SessionDone},
	}
	res, err := c.Spawn(context.Background(), SpawnInput{Level: LevelOrion, Task: "t", ProjectKey: "acme"})
	if err != nil || res.SessionKey != "first-done" {
		t.Fatalf("result = %+v, %v", res, err)
	}
}

func TestSpawn_RejectedSpawnUnlocksWorker(t *testing.T) {
	c, sk, sessions, _ := newTestController(t)
	sessions.accepted = false

	_, err := c.Spawn(context.Background(), workerInput())
	if err == nil {
		t.Fatal("expected error for rejected spawn")
	}
	if len(sk.unlocks) != 1 {
		t.Fatalf("unlocks = %+v", sk.unlocks)
	}
}

func TestSpawn_LongTaskLabelUsesHash(t *testing.T) {
	c, _, sessions, _ := newTestController(t)
	in := workerInput()
	in.TaskKey = strings.Repeat("verylongtaskkey", 8)

	if _, err := c.Spawn(context.Background(), in); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	label := sessions.spawns[0].Label
	if !strings.HasPrefix(label, "SK:TASKH:") || len(label) > skkey.MaxLabelLen {
		t.Fatalf("label = %q", label)
	}
}

func TestOutcomeStates(t *testing.T) {
	cases := []struct {
		outcome string
		state   string
		status  string
	}{
		{"ok", skclient.SessionDone, skclient.TaskDone},
		{"timeout", skclient.SessionFailed, skclient.TaskBlocked},
		{"error", skclient.SessionFailed, skclient.TaskBlocked},
		{"killed", skclient.SessionCancelled, skclient.TaskCancelled},
		{"reset", skclient.SessionCancelled, skclient.TaskCancelled},
		{"deleted", skclient.SessionCancelled, skclient.TaskCancelled},
		{"mystery", skclient.SessionFailed, skclient.TaskBlocked},
	}
	for _, tc := range cases {
		state, status := outcomeStates(tc.outcome)
		if state != tc.state || status != tc.status {
			t.Errorf("outcomeStates(%q) = %q, %q; want %q, %q", tc.outcome, state, status, tc.state, tc.status)
		}
	}
}

func TestSubagentEnded_ClosesAndWakesOnce(t *testing.T) {
	c, sk, _, waker := newTestController(t)
	ctx := shared.WithSessionKey(context.Background(), "parent-key")
	res, err := c.Spawn(ctx, workerInput())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ev := SubagentEndedEvent{RunID: res.RunID, SessionKey: res.SessionKey, Outcome: "ok"}
	c.SubagentEnded(context.Background(), ev)
	c.SubagentEnded(context.Background(), ev)

	if len(waker.wakes) != 1 {
		t.Fatalf("wakes = %d, want exactly 1", len(waker.wakes))
	}
	wake := waker.wakes[0]
	if wake.SessionKey != "parent-key" || wake.Lane != WakeLane || wake.IdempotencyKey == "" {
		t.Fatalf("wake = %+v", wake)
	}
	for _, want := range []string{"status=DONE", "outcome=ok", "child=" + res.SessionKey, "run=" + res.RunID} {
		if !strings.Contains(wake.Message, want) {
			t.Errorf("wake message missing %q: %q", want, wake.Message)
		}
	}

	// Terminal attach once, task patched DONE, lock released.
	terminal := 0
	for _, a := range sk.attaches {
		if a.State == skclient.SessionDone {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("terminal attaches = %d", terminal)
	}
	if len(sk.patches) != 1 || sk.patches[0] != "tasks/t-1/DONE" {
		t.Fatalf("patches = %+v", sk.patches)
	}
	if len(sk.unlocks) != 1 || sk.unlocks[0] != "t-1/parent-key" {
		t.Fatalf("unlocks = %+v", sk.unlocks)
	}
	if c.TrackedRuns() != 0 {
		t.Fatalf("tracked runs = %d after wake", c.TrackedRuns())
	}
}

func TestAgentEnd_OnlyTrackedSessions(t *testing.T) {
	c, sk, _, _ := newTestController(t)
	ctx := shared.WithSessionKey(context.Background(), "parent-key")
	res, _ := c.Spawn(ctx, workerInput())

	// An untracked session is ignored entirely.
	c.AgentEnd(context.Background(), AgentEndEvent{SessionKey: "stranger", Outcome: "ok"})
	if len(sk.patches) != 0 {
		t.Fatalf("untracked session patched: %+v", sk.patches)
	}

	c.AgentEnd(context.Background(), AgentEndEvent{SessionKey: res.SessionKey, Outcome: "timeout"})
	if len(sk.patches) != 1 || sk.patches[0] != "tasks/t-1/BLOCKED" {
		t.Fatalf("patches = %+v", sk.patches)
	}
	// AgentEnd does not wake; the run stays tracked for SubagentEnded.
	if c.TrackedRuns() != 1 {
		t.Fatalf("tracked runs = %d", c.TrackedRuns())
	}
}

func TestCloseSession_AlreadyTerminalSkipsReEnd(t *testing.T) {
	c, sk, _, _ := newTestController(t)
	ctx := shared.WithSessionKey(context.Background(), "parent-key")
	res, _ := c.Spawn(ctx, workerInput())
	sk.resolved[res.SessionKey] = &skclient.Session{SessionKey: res.SessionKey, State: skclient.SessionDone}

	baseline := len(sk.attaches)
	c.SubagentEnded(context.Background(), SubagentEndedEvent{RunID: res.RunID, SessionKey: res.SessionKey, Outcome: "ok"})

	// No SESSION_ENDED re-emit, but status and unlock still applied.
	if len(sk.attaches) != baseline {
		t.Fatalf("terminal attach re-emitted: %+v", sk.attaches[baseline:])
	}
	if len(sk.patches) != 1 || len(sk.unlocks) != 1 {
		t.Fatalf("patches=%+v unlocks=%+v", sk.patches, sk.unlocks)
	}
}

func TestWakeParent_DisabledPerRun(t *testing.T) {
	c, _, _, waker := newTestController(t)
	noWake := false
	in := workerInput()
	in.WakeParentOnEnd = &noWake

	res, _ := c.Spawn(context.Background(), in)
	c.SubagentEnded(context.Background(), SubagentEndedEvent{RunID: res.RunID, SessionKey: res.SessionKey, Outcome: "ok"})

	if len(waker.wakes) != 0 {
		t.Fatalf("wake issued despite opt-out: %+v", waker.wakes)
	}
	if c.TrackedRuns() != 0 {
		t.Fatal("entry must be removed even without a wake")
	}
}

func TestDirectTools(t *testing.T) {
	c, sk, _, _ := newTestController(t)
	ctx := context.Background()

	if err := c.SetTaskStatus(ctx, "t-1", "DONE"); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if err := c.SetTaskStatus(ctx, "t-1", "SHIPPED"); err == nil {
		t.Fatal("unknown status accepted")
	}
	if err := c.Archive(ctx, "projects", "p-1", true); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := c.Archive(ctx, "sprints", "s-1", true); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if _, err := c.SessionsFor(ctx, "tasks", "t-1"); err != nil {
		t.Fatalf("SessionsFor: %v", err)
	}
	if err := c.ReleaseLock(ctx, "", "owner"); err == nil {
		t.Fatal("empty task id accepted")
	}
	if len(sk.patches) != 2 {
		t.Fatalf("patches = %+v", sk.patches)
	}
}

func TestWakeIdempotencyKeysAreFresh(t *testing.T) {
	c, _, _, waker := newTestController(t)
	ctx := shared.WithSessionKey(context.Background(), "parent-key")
	r1, _ := c.Spawn(ctx, workerInput())
	in2 := workerInput()
	in2.TaskKey = "logout"
	r2, _ := c.Spawn(ctx, in2)

	c.SubagentEnded(ctx, SubagentEndedEvent{RunID: r1.RunID, SessionKey: r1.SessionKey, Outcome: "ok"})
	c.SubagentEnded(ctx, SubagentEndedEvent{RunID: r2.RunID, SessionKey: r2.SessionKey, Outcome: "error"})

	if len(waker.wakes) != 2 {
		t.Fatalf("wakes = %d", len(waker.wakes))
	}
	if waker.wakes[0].IdempotencyKey == waker.wakes[1].IdempotencyKey {
		t.Fatal("idempotency keys must be fresh per wake")
	}
}
