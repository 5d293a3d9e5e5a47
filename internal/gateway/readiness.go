package gateway

import (
	"sync"
	"time"
)

// Readiness phases, in lifecycle order.
const (
	PhaseStarting  = "starting"
	PhaseListening = "listening"
	PhaseReady     = "ready"
	PhaseError     = "error"
)

var phaseOrder = map[string]int{
	PhaseStarting:  0,
	PhaseListening: 1,
	PhaseReady:     2,
	PhaseError:     3,
}

// PhaseChange records one readiness transition.
type PhaseChange struct {
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
}

// ReadinessState is the broadcastable snapshot.
type ReadinessState struct {
	Phase  string        `json:"phase"`
	Since  time.Time     `json:"since"`
	Phases []PhaseChange `json:"phases"`
}

// Readiness tracks the process lifecycle phase. Transitions are monotonic in
// phase order; revisiting the current phase is a no-op and each distinct
// phase is appended exactly once.
type Readiness struct {
	mu     sync.Mutex
	phase  string
	since  time.Time
	phases []PhaseChange
}

// NewReadiness starts in the "starting" phase.
func NewReadiness() *Readiness {
	r := &Readiness{}
	r.Advance(PhaseStarting)
	return r
}

// Advance moves to a later phase. Returns true when the phase changed.
func (r *Readiness) Advance(phase string) bool {
	rank, known := phaseOrder[phase]
	if !known {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != "" && rank <= phaseOrder[r.phase] {
		return false
	}
	now := time.Now()
	r.phase = phase
	r.since = now
	r.phases = append(r.phases, PhaseChange{Phase: phase, At: now})
	return true
}

// Snapshot returns a copy of the current state.
func (r *Readiness) Snapshot() ReadinessState {
	r.mu.Lock()
	defer r.mu.Unlock()
	phases := make([]PhaseChange, len(r.phases))
	copy(phases, r.phases)
	return ReadinessState{Phase: r.phase, Since: r.since, Phases: phases}
}
