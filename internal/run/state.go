// Package run holds the execution state shared by the orchestration
// engines: per-run status, per-unit statuses and results, and the
// versioned checkpoint contract the facade persists runs through.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/conclavehq/conclave/internal/task"
)

type Pattern string

const (
	PatternGraph    Pattern = "graph"
	PatternWorkflow Pattern = "workflow"
	PatternSwarm    Pattern = "swarm"
)

type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusSucceeded          Status = "succeeded"
	StatusPartiallySucceeded Status = "partially_succeeded"
	StatusFailed             Status = "failed"
	StatusAborted            Status = "aborted"
	StatusAwaitingDecision   Status = "awaiting_decision"
)

// Terminal reports whether a run in this status will not advance further.
// AWAITING_DECISION is not terminal: the run resumes once the caller picks
// one of the deferred options.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallySucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// UnitStatus tracks one node or step through its lifecycle. The terminal
// values mirror task.Status; pending and running exist only here because a
// task.Result is never produced for units that have not finished.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
	UnitTimedOut  UnitStatus = "timed_out"
	UnitSkipped   UnitStatus = "skipped"
)

func unitStatusOf(s task.Status) UnitStatus {
	switch s {
	case task.StatusSucceeded:
		return UnitSucceeded
	case task.StatusTimedOut:
		return UnitTimedOut
	case task.StatusSkipped:
		return UnitSkipped
	default:
		return UnitFailed
	}
}

// Decision is one candidate outcome returned when conflict resolution is
// deferred to the caller.
type Decision struct {
	Payload    any     `json:"payload"`
	Confidence float64 `json:"confidence"`
	Votes      int     `json:"votes"`
}

// Aggregate is the reconciled outcome of a swarm or parallel group, kept on
// the state so callers can inspect it through GetRunState.
type Aggregate struct {
	Payload    any        `json:"payload,omitempty"`
	Confidence float64    `json:"confidence"`
	Strategy   string     `json:"strategy"`
	Deferred   bool       `json:"deferred,omitempty"`
	Options    []Decision `json:"options,omitempty"`
}

// State is the canonical checkpoint for one run. It is owned by the facade
// for the run's duration; engines receive it as a working copy and publish
// consistent snapshots through the checkpoint callback after each level,
// step, or swarm round.
type State struct {
	RunID       string                 `json:"run_id"`
	Pattern     Pattern                `json:"pattern"`
	Status      Status                 `json:"status"`
	Statuses    map[string]UnitStatus  `json:"statuses"`
	Results     map[string]task.Result `json:"results"`
	Aggregate   *Aggregate             `json:"aggregate,omitempty"`
	Iteration   int                    `json:"iteration"`
	StartedAt   time.Time              `json:"started_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Version     int64                  `json:"version"`
	Unpersisted bool                   `json:"unpersisted,omitempty"`
}

func NewState(runID string, pattern Pattern) *State {
	now := time.Now().UTC()
	return &State{
		RunID:     runID,
		Pattern:   pattern,
		Status:    StatusPending,
		Statuses:  make(map[string]UnitStatus),
		Results:   make(map[string]task.Result),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// MarkRunning records a unit as dispatched.
func (s *State) MarkRunning(unitID string) {
	s.Statuses[unitID] = UnitRunning
	s.touch()
}

// SetResult records a finished unit's result and status.
func (s *State) SetResult(unitID string, res task.Result) {
	s.Results[unitID] = res
	s.Statuses[unitID] = unitStatusOf(res.Status)
	s.touch()
}

// SetStatus moves the run itself to a new status.
func (s *State) SetStatus(status Status) {
	s.Status = status
	s.touch()
}

func (s *State) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Succeeded returns how many units finished successfully.
func (s *State) Succeeded() int {
	n := 0
	for _, st := range s.Statuses {
		if st == UnitSucceeded {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand to callers while the engine keeps
// mutating the original.
func (s *State) Clone() *State {
	cp := *s
	cp.Statuses = make(map[string]UnitStatus, len(s.Statuses))
	for k, v := range s.Statuses {
		cp.Statuses[k] = v
	}
	cp.Results = make(map[string]task.Result, len(s.Results))
	for k, v := range s.Results {
		cp.Results[k] = v
	}
	if s.Aggregate != nil {
		agg := *s.Aggregate
		agg.Options = append([]Decision(nil), s.Aggregate.Options...)
		cp.Aggregate = &agg
	}
	return &cp
}

var (
	// ErrStaleVersion signals an optimistic-concurrency conflict: the
	// checkpoint row moved on since the version the caller read.
	ErrStaleVersion = errors.New("checkpoint version is stale")

	// ErrNotFound signals that no checkpoint exists for the run.
	ErrNotFound = errors.New("run not found")
)

// CheckpointStore is the key-versioned persistence facility runs are
// checkpointed to. Save succeeds only when version matches the stored row
// (0 creates the row) and returns the new version.
type CheckpointStore interface {
	Save(ctx context.Context, runID string, version int64, state *State) (int64, error)
	Load(ctx context.Context, runID string) (*State, int64, error)
	Delete(ctx context.Context, runID string) error
}

// CheckpointFunc publishes a consistent snapshot of the working state.
// Engines call it after every completed level, step, or swarm round; a
// returned error means the snapshot could not be persisted and the run
// continues in memory.
type CheckpointFunc func(ctx context.Context, st *State) error

// Observer receives unit lifecycle callbacks. Implementations must not
// block; failures are the implementation's problem, never the run's.
type Observer interface {
	UnitStarted(runID, unitID string)
	UnitFinished(runID, unitID string, res task.Result)
}
