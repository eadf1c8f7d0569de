package workflow

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

func echo(payload any) task.Executor {
	return task.Func(func(ctx context.Context, input any) (task.Result, error) {
		return task.Result{Payload: payload, Confidence: 1}, nil
	})
}

func failing() task.Executor {
	return task.Func(func(ctx context.Context, input any) (task.Result, error) {
		return task.Result{}, errors.New("task failed")
	})
}

func newEngine(res mapResolver) *Engine {
	return NewEngine(res, Config{StepTimeout: time.Second, Grace: 50 * time.Millisecond})
}

func newState() *run.State {
	return run.NewState("wf-run", run.PatternWorkflow)
}

func TestExecute_LinearChainCarriesPayload(t *testing.T) {
	wf, err := New("chain", "first",
		TaskStep("first", "one", "second", ""),
		TaskStep("second", "two", "", ""),
	)
	if err != nil {
		t.Fatal(err)
	}
	var secondInput any
	res := mapResolver{
		"one": echo("from-one"),
		"two": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			secondInput = input
			return task.Result{Payload: "from-two", Confidence: 1}, nil
		}),
	}

	st := newState()
	if err := newEngine(res).Execute(context.Background(), wf, "start", st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", st.Status)
	}
	if secondInput != "from-one" {
		t.Fatalf("second step should receive first step's payload, got %v", secondInput)
	}
	if st.Results["second"].Payload != "from-two" {
		t.Fatalf("unexpected final payload: %v", st.Results["second"].Payload)
	}
}

func TestExecute_ConditionBranches(t *testing.T) {
	build := func() (*Workflow, error) {
		return New("branchy", "check",
			ConditionStep("check", func(input any) bool {
				n, _ := input.(int)
				return n > 10
			}, "big", "small"),
			TaskStep("big", "big", "", ""),
			TaskStep("small", "small", "", ""),
		)
	}
	res := mapResolver{"big": echo("big"), "small": echo("small")}

	for _, tc := range []struct {
		input    int
		wantStep string
	}{
		{42, "big"},
		{3, "small"},
	} {
		wf, err := build()
		if err != nil {
			t.Fatal(err)
		}
		st := newState()
		if err := newEngine(res).Execute(context.Background(), wf, tc.input, st, nil, nil); err != nil {
			t.Fatal(err)
		}
		if _, ok := st.Results[tc.wantStep]; !ok {
			t.Errorf("input %d: expected branch %s to run, results %v", tc.input, tc.wantStep, st.Results)
		}
	}
}

func TestExecute_ErrorHandlerPath(t *testing.T) {
	wf, err := New("recover", "risky",
		TaskStep("risky", "boom", "done", "cleanup"),
		TaskStep("cleanup", "clean", "done", ""),
		TaskStep("done", "final", "", ""),
	)
	if err != nil {
		t.Fatal(err)
	}
	res := mapResolver{
		"boom":  failing(),
		"clean": echo("cleaned"),
		"final": echo("finished"),
	}

	st := newState()
	if err := newEngine(res).Execute(context.Background(), wf, nil, st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Status != run.StatusSucceeded {
		t.Fatalf("expected recovered run to succeed, got %s", st.Status)
	}
	if st.Statuses["risky"] != run.UnitFailed {
		t.Errorf("risky: expected failed, got %s", st.Statuses["risky"])
	}
	if st.Statuses["cleanup"] != run.UnitSucceeded {
		t.Errorf("cleanup: expected succeeded, got %s", st.Statuses["cleanup"])
	}
}

func TestExecute_UnhandledErrorFailsWorkflow(t *testing.T) {
	wf, err := New("fragile", "risky", TaskStep("risky", "boom", "", ""))
	if err != nil {
		t.Fatal(err)
	}
	st := newState()
	if err := newEngine(mapResolver{"boom": failing()}).Execute(context.Background(), wf, nil, st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Status != run.StatusFailed {
		t.Fatalf("expected failed, got %s", st.Status)
	}
}

func TestExecute_ParallelGroupToleratesChildFailure(t *testing.T) {
	wf, err := New("fanout", "group",
		ParallelStep("group", []string{"c1", "c2", "c3"}, aggregate.Best, "after", ""),
		TaskStep("c1", "ok1", "", ""),
		TaskStep("c2", "bad", "", ""),
		TaskStep("c3", "ok2", "", ""),
		TaskStep("after", "final", "", ""),
	)
	if err != nil {
		t.Fatal(err)
	}
	var afterInput any
	res := mapResolver{
		"ok1": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			return task.Result{Payload: "low", Confidence: 0.2}, nil
		}),
		"bad": failing(),
		"ok2": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			return task.Result{Payload: "high", Confidence: 0.9}, nil
		}),
		"final": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			afterInput = input
			return task.Result{Payload: "done", Confidence: 1}, nil
		}),
	}

	st := newState()
	if err := newEngine(res).Execute(context.Background(), wf, nil, st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Status != run.StatusSucceeded {
		t.Fatalf("a single child failure must not fail the group, got %s", st.Status)
	}
	if st.Statuses["c2"] != run.UnitFailed {
		t.Errorf("c2: expected failed, got %s", st.Statuses["c2"])
	}
	if afterInput != "high" {
		t.Fatalf("expected best-aggregated payload high, got %v", afterInput)
	}
}

func TestExecute_ParallelGroupAllChildrenFailed(t *testing.T) {
	wf, err := New("fanout", "group",
		ParallelStep("group", []string{"c1", "c2"}, aggregate.Best, "", ""),
		TaskStep("c1", "bad", "", ""),
		TaskStep("c2", "bad", "", ""),
	)
	if err != nil {
		t.Fatal(err)
	}
	st := newState()
	if err := newEngine(mapResolver{"bad": failing()}).Execute(context.Background(), wf, nil, st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Status != run.StatusFailed {
		t.Fatalf("group with zero successes should fail, got %s", st.Status)
	}
}

// A loop whose bound predicate never becomes false terminates after exactly
// its iteration ceiling, successfully.
func TestExecute_LoopHonorsIterationCeiling(t *testing.T) {
	wf, err := New("looping", "loop",
		LoopStep("loop", "body", func(any) bool { return true }, 3, "", ""),
		TaskStep("body", "work", "", ""),
	)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	res := mapResolver{
		"work": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			calls++
			return task.Result{Payload: calls, Confidence: 1}, nil
		}),
	}

	st := newState()
	if err := newEngine(res).Execute(context.Background(), wf, nil, st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", st.Status)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 iterations, got %d", calls)
	}
	if st.Iteration != 3 {
		t.Fatalf("expected iteration counter 3, got %d", st.Iteration)
	}
}

func TestExecute_LoopStopsWhenPredicateFalsifies(t *testing.T) {
	wf, err := New("looping", "loop",
		LoopStep("loop", "body", func(input any) bool {
			n, _ := input.(int)
			return n < 2
		}, 100, "", ""),
		TaskStep("body", "inc", "", ""),
	)
	if err != nil {
		t.Fatal(err)
	}
	res := mapResolver{
		"inc": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			n, _ := input.(int)
			return task.Result{Payload: n + 1, Confidence: 1}, nil
		}),
	}

	st := newState()
	if err := newEngine(res).Execute(context.Background(), wf, 0, st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Iteration != 2 {
		t.Fatalf("expected 2 iterations, got %d", st.Iteration)
	}
}

func TestExecute_CancelAborts(t *testing.T) {
	wf, err := New("cancellable", "slow", TaskStep("slow", "slow", "", ""))
	if err != nil {
		t.Fatal(err)
	}
	res := mapResolver{
		"slow": task.Func(func(ctx context.Context, input any) (task.Result, error) {
			<-ctx.Done()
			return task.Result{}, ctx.Err()
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	st := newState()
	if err := newEngine(res).Execute(ctx, wf, nil, st, nil, nil); err != nil {
		t.Fatal(err)
	}
	if st.Status != run.StatusAborted && st.Status != run.StatusFailed {
		t.Fatalf("expected aborted or failed after cancel, got %s", st.Status)
	}
}

func TestNew_ValidationFailures(t *testing.T) {
	cases := []struct {
		name  string
		id    string
		entry string
		steps []Step
	}{
		{"missing entry", "w", "ghost", []Step{TaskStep("a", "t", "", "")}},
		{"dangling next", "w", "a", []Step{TaskStep("a", "t", "ghost", "")}},
		{"loop without ceiling", "w", "loop", []Step{
			LoopStep("loop", "body", func(any) bool { return true }, 0, "", ""),
			TaskStep("body", "t", "", ""),
		}},
		{"condition missing branch", "w", "c", []Step{
			{ID: "c", Kind: KindCondition, If: func(any) bool { return true }, Then: "a"},
			TaskStep("a", "t", "", ""),
		}},
		{"parallel child not a task", "w", "g", []Step{
			ParallelStep("g", []string{"c"}, "", "", ""),
			ConditionStep("c", func(any) bool { return true }, "g", "g"),
		}},
	}
	for _, tc := range cases {
		if _, err := New(tc.id, tc.entry, tc.steps...); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
