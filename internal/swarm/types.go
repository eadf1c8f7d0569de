// Package swarm runs a fixed set of task executors concurrently against
// identical input for redundancy and diversity, then reconciles their
// outputs into one answer.
package swarm

import (
	"fmt"
	"time"

	"github.com/conclavehq/conclave/internal/aggregate"
)

// Spec describes one swarm run. Equivalence decides when two member
// payloads count as the same answer; nil means deep structural equality.
type Spec struct {
	TaskRefs    []string
	Aggregation aggregate.Strategy
	Conflict    aggregate.ConflictStrategy
	Timeout     time.Duration
	Equivalence aggregate.Equivalence
}

func (s Spec) Validate() error {
	if len(s.TaskRefs) == 0 {
		return fmt.Errorf("swarm spec has no members")
	}
	seen := make(map[string]bool, len(s.TaskRefs))
	for _, ref := range s.TaskRefs {
		if ref == "" {
			return fmt.Errorf("swarm spec contains an empty task reference")
		}
		if seen[ref] {
			return fmt.Errorf("swarm spec lists member %q twice", ref)
		}
		seen[ref] = true
	}
	switch s.Aggregation {
	case aggregate.Consensus, aggregate.Weighted, aggregate.Best, "":
	default:
		return fmt.Errorf("unknown aggregation strategy %q", s.Aggregation)
	}
	switch s.Conflict {
	case aggregate.ConflictVote, aggregate.ConflictConfidence, aggregate.ConflictManual, "":
	default:
		return fmt.Errorf("unknown conflict strategy %q", s.Conflict)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("negative timeout")
	}
	return nil
}

func (s Spec) equivalence() aggregate.Equivalence {
	if s.Equivalence != nil {
		return s.Equivalence
	}
	return aggregate.DeepEqual
}
