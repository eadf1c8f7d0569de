// Package workflow runs ordered and branching step sequences as an explicit
// state machine. A step invokes a task, evaluates a condition, fans out a
// parallel group, or repeats a bounded loop; every step may route failures
// to an error-handler step.
package workflow

import (
	"fmt"

	"github.com/conclavehq/conclave/internal/aggregate"
)

type Kind string

const (
	KindTask      Kind = "task"
	KindCondition Kind = "condition"
	KindParallel  Kind = "parallel"
	KindLoop      Kind = "loop"
)

// Predicate evaluates the carried input. Used by condition steps and loop
// bounds.
type Predicate func(input any) bool

// Step is a closed variant type: Kind tags which of the field groups below
// is live, and steps are built only through the constructors so an invalid
// combination never exists at run time.
type Step struct {
	ID      string
	Kind    Kind
	Next    string // empty means the workflow terminates after this step
	OnError string // error-handler step; empty fails the workflow

	// task
	TaskRef string

	// condition
	If   Predicate
	Then string
	Else string

	// parallel
	Children []string
	Strategy aggregate.Strategy

	// loop
	Body          string
	While         Predicate
	MaxIterations int
}

// TaskStep invokes taskRef with the carried input; on success the result
// payload becomes the new carried input.
func TaskStep(id, taskRef, next, onError string) Step {
	return Step{ID: id, Kind: KindTask, TaskRef: taskRef, Next: next, OnError: onError}
}

// ConditionStep branches on the carried input.
func ConditionStep(id string, pred Predicate, then, els string) Step {
	return Step{ID: id, Kind: KindCondition, If: pred, Then: then, Else: els}
}

// ParallelStep runs the child steps concurrently against the same carried
// input and advances with their aggregated payload. The group does not fail
// on individual child failures; strategy defaults to BEST.
func ParallelStep(id string, children []string, strategy aggregate.Strategy, next, onError string) Step {
	if strategy == "" {
		strategy = aggregate.Best
	}
	return Step{ID: id, Kind: KindParallel, Children: children, Strategy: strategy, Next: next, OnError: onError}
}

// LoopStep re-executes body while the predicate holds, at most maxIterations
// times. Exhausting the ceiling ends the loop without error.
func LoopStep(id, body string, while Predicate, maxIterations int, next, onError string) Step {
	return Step{ID: id, Kind: KindLoop, Body: body, While: while, MaxIterations: maxIterations, Next: next, OnError: onError}
}

// Workflow is an immutable definition; it may be executed many times.
type Workflow struct {
	ID    string
	Entry string
	Steps map[string]Step
}

// New validates the definition once, at construction, so the engine never
// meets a dangling step reference or a malformed variant.
func New(id, entry string, steps ...Step) (*Workflow, error) {
	wf := &Workflow{ID: id, Entry: entry, Steps: make(map[string]Step, len(steps))}
	for _, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("workflow %q: step with empty id", id)
		}
		if _, dup := wf.Steps[s.ID]; dup {
			return nil, fmt.Errorf("workflow %q: duplicate step id %q", id, s.ID)
		}
		wf.Steps[s.ID] = s
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

func (wf *Workflow) validate() error {
	if _, ok := wf.Steps[wf.Entry]; !ok {
		return fmt.Errorf("workflow %q: entry step %q not defined", wf.ID, wf.Entry)
	}
	for id, s := range wf.Steps {
		if err := wf.validateStep(id, s); err != nil {
			return fmt.Errorf("workflow %q: %w", wf.ID, err)
		}
	}
	return nil
}

func (wf *Workflow) validateStep(id string, s Step) error {
	check := func(ref, what string) error {
		if ref == "" {
			return nil
		}
		if _, ok := wf.Steps[ref]; !ok {
			return fmt.Errorf("step %q references unknown %s step %q", id, what, ref)
		}
		return nil
	}
	if err := check(s.Next, "next"); err != nil {
		return err
	}
	if err := check(s.OnError, "error-handler"); err != nil {
		return err
	}

	switch s.Kind {
	case KindTask:
		if s.TaskRef == "" {
			return fmt.Errorf("task step %q has no task reference", id)
		}
	case KindCondition:
		if s.If == nil {
			return fmt.Errorf("condition step %q has no predicate", id)
		}
		if s.Then == "" || s.Else == "" {
			return fmt.Errorf("condition step %q needs both branch targets", id)
		}
		if err := check(s.Then, "then"); err != nil {
			return err
		}
		if err := check(s.Else, "else"); err != nil {
			return err
		}
	case KindParallel:
		if len(s.Children) == 0 {
			return fmt.Errorf("parallel step %q has no children", id)
		}
		for _, c := range s.Children {
			child, ok := wf.Steps[c]
			if !ok {
				return fmt.Errorf("parallel step %q references unknown child %q", id, c)
			}
			if child.Kind != KindTask {
				return fmt.Errorf("parallel step %q: child %q must be a task step", id, c)
			}
		}
	case KindLoop:
		if s.While == nil {
			return fmt.Errorf("loop step %q has no bound predicate", id)
		}
		if s.MaxIterations <= 0 {
			return fmt.Errorf("loop step %q needs a positive iteration ceiling", id)
		}
		body, ok := wf.Steps[s.Body]
		if !ok {
			return fmt.Errorf("loop step %q references unknown body %q", id, s.Body)
		}
		if body.Kind != KindTask && body.Kind != KindParallel {
			return fmt.Errorf("loop step %q: body %q must be a task or parallel step", id, s.Body)
		}
	default:
		return fmt.Errorf("step %q has unknown kind %q", id, s.Kind)
	}
	return nil
}
