package events

import (
	"fmt"
	"time"
)

// Event types emitted over the run lifecycle.
const (
	TypeRunStarted   = "run.started"
	TypeRunFinished  = "run.finished"
	TypeRunCancelled = "run.cancelled"
	TypeRunDeferred  = "run.deferred"
	TypeCheckpoint   = "run.checkpoint"
	TypeUnitStarted  = "unit.started"
	TypeUnitFinished = "unit.finished"
)

// Event is one entry in a run's event stream.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Pattern   string    `json:"pattern,omitempty"`
	UnitID    string    `json:"unit_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Version   int64     `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func TopicRun(runID string) string {
	return fmt.Sprintf("run.%s.events", runID)
}

// TopicRunsAll matches the event stream of every run.
const TopicRunsAll = "run.>"
