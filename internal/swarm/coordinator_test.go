package swarm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conclavehq/conclave/internal/aggregate"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

type mapResolver map[string]task.Executor

func (m mapResolver) Resolve(taskRef string) (task.Executor, error) {
	ex, ok := m[taskRef]
	if !ok {
		return nil, fmt.Errorf("executor not registered: %s", taskRef)
	}
	return ex, nil
}

func member(payload any, confidence float64) task.Executor {
	return task.Func(func(ctx context.Context, input any) (task.Result, error) {
		return task.Result{Payload: payload, Confidence: confidence}, nil
	})
}

func newCoordinator(res mapResolver) *Coordinator {
	return NewCoordinator(res, Config{DefaultTimeout: time.Second, Grace: 50 * time.Millisecond})
}

func newState() *run.State {
	return run.NewState("swarm-run", run.PatternSwarm)
}

// Three members answering x, x, y under consensus: x wins with 2/3.
func TestExecute_ConsensusMajority(t *testing.T) {
	res := mapResolver{
		"m1": member("x", 0.9),
		"m2": member("x", 0.8),
		"m3": member("y", 0.95),
	}
	spec := Spec{
		TaskRefs:    []string{"m1", "m2", "m3"},
		Aggregation: aggregate.Consensus,
		Conflict:    aggregate.ConflictVote,
	}

	st := newState()
	agg, err := newCoordinator(res).Execute(context.Background(), spec, "question", st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if agg.Payload != "x" {
		t.Fatalf("expected consensus payload x, got %v", agg.Payload)
	}
	if want := 2.0 / 3.0; agg.Confidence != want {
		t.Fatalf("expected confidence %v, got %v", want, agg.Confidence)
	}
	if st.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", st.Status)
	}
}

func TestExecute_AllMembersFailIsExhausted(t *testing.T) {
	bad := task.Func(func(ctx context.Context, input any) (task.Result, error) {
		return task.Result{}, errors.New("no answer")
	})
	res := mapResolver{"m1": bad, "m2": bad}
	spec := Spec{TaskRefs: []string{"m1", "m2"}}

	st := newState()
	_, err := newCoordinator(res).Execute(context.Background(), spec, nil, st, nil, nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if st.Status != run.StatusFailed {
		t.Fatalf("expected failed, got %s", st.Status)
	}
}

// A timed-out member is recorded but does not cancel siblings or the run.
func TestExecute_TimedOutMemberIsolated(t *testing.T) {
	res := mapResolver{
		"slow": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			select {
			case <-time.After(time.Minute):
				return task.Result{Payload: "late"}, nil
			case <-ctx.Done():
				return task.Result{}, ctx.Err()
			}
		}),
		"fast": member("answer", 0.7),
	}
	spec := Spec{
		TaskRefs: []string{"slow", "fast"},
		Timeout:  30 * time.Millisecond,
	}

	st := newState()
	agg, err := newCoordinator(res).Execute(context.Background(), spec, nil, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st.Statuses["slow"] != run.UnitTimedOut {
		t.Errorf("slow: expected timed_out, got %s", st.Statuses["slow"])
	}
	if agg.Payload != "answer" {
		t.Errorf("expected surviving member's payload, got %v", agg.Payload)
	}
	if st.Status != run.StatusPartiallySucceeded {
		t.Errorf("expected partially_succeeded, got %s", st.Status)
	}
}

func TestExecute_ManualConflictDefers(t *testing.T) {
	res := mapResolver{
		"m1": member("x", 0.9),
		"m2": member("y", 0.8),
	}
	spec := Spec{
		TaskRefs:    []string{"m1", "m2"},
		Aggregation: aggregate.Consensus,
		Conflict:    aggregate.ConflictManual,
	}

	st := newState()
	agg, err := newCoordinator(res).Execute(context.Background(), spec, nil, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !agg.Deferred {
		t.Fatal("expected deferred aggregation")
	}
	if len(agg.Options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(agg.Options))
	}
	if st.Status != run.StatusAwaitingDecision {
		t.Fatalf("expected awaiting_decision, got %s", st.Status)
	}
	if st.Aggregate == nil || !st.Aggregate.Deferred {
		t.Fatal("deferred aggregate must be visible on the state")
	}
}

func TestExecute_ConfidenceConflictPicksBest(t *testing.T) {
	res := mapResolver{
		"m1": member("x", 0.4),
		"m2": member("y", 0.9),
	}
	spec := Spec{
		TaskRefs:    []string{"m1", "m2"},
		Aggregation: aggregate.Consensus,
		Conflict:    aggregate.ConflictConfidence,
	}

	st := newState()
	agg, err := newCoordinator(res).Execute(context.Background(), spec, nil, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if agg.Payload != "y" {
		t.Fatalf("expected highest-confidence payload y, got %v", agg.Payload)
	}
}

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
	}{
		{"empty members", Spec{}},
		{"duplicate member", Spec{TaskRefs: []string{"a", "a"}}},
		{"unknown aggregation", Spec{TaskRefs: []string{"a"}, Aggregation: "median"}},
		{"unknown conflict", Spec{TaskRefs: []string{"a"}, Conflict: "coin-flip"}},
	}
	for _, tc := range cases {
		if err := tc.spec.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
	if err := (Spec{TaskRefs: []string{"a", "b"}}).Validate(); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}
