// Package aggregate implements the strategies used to reduce several
// competing task results into one answer, and the conflict heuristics
// applied when members disagree. All functions are pure.
package aggregate

import (
	"errors"
	"reflect"

	"github.com/conclavehq/conclave/internal/task"
)

type Strategy string

const (
	Consensus Strategy = "consensus"
	Weighted  Strategy = "weighted"
	Best      Strategy = "best"
)

type ConflictStrategy string

const (
	ConflictVote       ConflictStrategy = "vote"
	ConflictConfidence ConflictStrategy = "confidence"
	ConflictManual     ConflictStrategy = "manual"
)

// Equivalence decides whether two payloads count as the same answer for
// consensus grouping. Callers supply their own; DeepEqual is the default.
type Equivalence func(a, b any) bool

func DeepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

var ErrNoResults = errors.New("no results to aggregate")

// Result is a reconciled outcome. When Deferred is set the caller must pick
// among Options; Payload and Confidence are unset in that case.
type Result struct {
	Payload    any
	Confidence float64
	Strategy   Strategy
	Deferred   bool
	Options    []Option
}

// Option is one conflicting group's candidate answer.
type Option struct {
	Payload    any
	Confidence float64
	Votes      int
}

// Group is an equivalence class of results. Representative is the earliest
// member; Size the number of members.
type Group struct {
	Representative task.Result
	Size           int
}

// Partition splits results into equivalence classes, preserving the input
// (completion) order of class discovery.
func Partition(results []task.Result, eq Equivalence) []Group {
	if eq == nil {
		eq = DeepEqual
	}
	var groups []Group
	for _, r := range results {
		placed := false
		for i := range groups {
			if eq(groups[i].Representative.Payload, r.Payload) {
				groups[i].Size++
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, Group{Representative: r, Size: 1})
		}
	}
	return groups
}

// Conflicting reports disagreement: the equivalence partition holds more
// than one group.
func Conflicting(groups []Group) bool {
	return len(groups) > 1
}

// BestOf returns the result with the highest confidence. Ties go to the
// earliest-completing member, which is why results must be in completion
// order.
func BestOf(results []task.Result) (Result, error) {
	if len(results) == 0 {
		return Result{}, ErrNoResults
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return Result{Payload: best.Payload, Confidence: best.Confidence, Strategy: Best}, nil
}

// ConsensusOf groups results by eq and returns the majority group's
// representative payload with confidence majority/total. When no group holds
// a strict majority the largest (earliest-discovered on ties) group still
// wins, but callers should check Conflicting on the partition first.
func ConsensusOf(results []task.Result, eq Equivalence) (Result, error) {
	groups := Partition(results, eq)
	if len(groups) == 0 {
		return Result{}, ErrNoResults
	}
	top := groups[0]
	for _, g := range groups[1:] {
		if g.Size > top.Size {
			top = g
		}
	}
	conf := float64(top.Size) / float64(len(results))
	return Result{Payload: top.Representative.Payload, Confidence: conf, Strategy: Consensus}, nil
}

// WeightedOf merges map payloads field-wise, each field taken from the
// highest-confidence member that carries it; the merged confidence is the
// mean member confidence. Non-mergeable payloads fall back to BestOf.
func WeightedOf(results []task.Result) (Result, error) {
	if len(results) == 0 {
		return Result{}, ErrNoResults
	}

	maps := make([]map[string]any, 0, len(results))
	for _, r := range results {
		m, ok := r.Payload.(map[string]any)
		if !ok {
			res, err := BestOf(results)
			if err != nil {
				return Result{}, err
			}
			res.Strategy = Weighted
			return res, nil
		}
		maps = append(maps, m)
	}

	merged := make(map[string]any)
	winner := make(map[string]float64)
	var sum float64
	for i, m := range maps {
		sum += results[i].Confidence
		for k, v := range m {
			if best, ok := winner[k]; !ok || results[i].Confidence > best {
				merged[k] = v
				winner[k] = results[i].Confidence
			}
		}
	}
	return Result{Payload: merged, Confidence: sum / float64(len(results)), Strategy: Weighted}, nil
}

// Apply runs the named strategy over results in completion order.
func Apply(strategy Strategy, results []task.Result, eq Equivalence) (Result, error) {
	switch strategy {
	case Consensus:
		return ConsensusOf(results, eq)
	case Weighted:
		return WeightedOf(results)
	case Best, "":
		return BestOf(results)
	default:
		return Result{}, errors.New("unknown aggregation strategy: " + string(strategy))
	}
}

// Resolve applies a conflict strategy to a disagreeing partition. MANUAL
// defers: the caller receives every group's representative and confidence
// instead of a single answer.
func Resolve(strategy ConflictStrategy, groups []Group, results []task.Result, eq Equivalence) (Result, error) {
	switch strategy {
	case ConflictVote, "":
		return ConsensusOf(results, eq)
	case ConflictConfidence:
		return BestOf(results)
	case ConflictManual:
		opts := make([]Option, 0, len(groups))
		for _, g := range groups {
			opts = append(opts, Option{
				Payload:    g.Representative.Payload,
				Confidence: g.Representative.Confidence,
				Votes:      g.Size,
			})
		}
		return Result{Deferred: true, Options: opts}, nil
	default:
		return Result{}, errors.New("unknown conflict strategy: " + string(strategy))
	}
}
