package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conclavehq/conclave/internal/aggregate"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

// Config bounds one workflow run. MaxParallel caps concurrent child
// invocations inside a parallel group; zero allows the full group width.
type Config struct {
	MaxParallel int
	StepTimeout time.Duration
	Grace       time.Duration
}

// Engine executes workflow definitions.
type Engine struct {
	resolver task.Resolver
	cfg      Config
}

func NewEngine(resolver task.Resolver, cfg Config) *Engine {
	return &Engine{resolver: resolver, cfg: cfg}
}

// Execute drives wf from its entry step until a step with no successor
// completes (SUCCEEDED), an unhandled error occurs (FAILED), or the context
// is cancelled (ABORTED). The carried input starts as input and is replaced
// by each successful task step's payload. A checkpoint is published after
// every completed step.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, input any, st *run.State, checkpoint run.CheckpointFunc, obs run.Observer) error {
	st.SetStatus(run.StatusRunning)

	carried := input
	cur := wf.Entry

	for cur != "" {
		if ctx.Err() != nil {
			st.SetStatus(run.StatusAborted)
			e.publish(ctx, st, checkpoint)
			return nil
		}

		step := wf.Steps[cur]
		slog.Debug("workflow step", "run", st.RunID, "workflow", wf.ID, "step", cur, "kind", step.Kind)

		switch step.Kind {
		case KindTask:
			res := e.invoke(ctx, st, step.ID, step.TaskRef, carried, obs)
			st.SetResult(step.ID, res)
			if res.Succeeded() {
				carried = res.Payload
				cur = step.Next
			} else {
				next, failed := routeFailure(step)
				if failed {
					st.SetStatus(run.StatusFailed)
					e.publish(ctx, st, checkpoint)
					return nil
				}
				cur = next
			}

		case KindCondition:
			st.Statuses[step.ID] = run.UnitSucceeded
			if step.If(carried) {
				cur = step.Then
			} else {
				cur = step.Else
			}

		case KindParallel:
			payload, ok := e.runGroup(ctx, wf, step, carried, st, obs)
			if ok {
				st.Statuses[step.ID] = run.UnitSucceeded
				carried = payload
				cur = step.Next
			} else {
				st.Statuses[step.ID] = run.UnitFailed
				next, failed := routeFailure(step)
				if failed {
					st.SetStatus(run.StatusFailed)
					e.publish(ctx, st, checkpoint)
					return nil
				}
				cur = next
			}

		case KindLoop:
			ok := true
			for i := 0; i < step.MaxIterations && step.While(carried); i++ {
				if ctx.Err() != nil {
					st.SetStatus(run.StatusAborted)
					e.publish(ctx, st, checkpoint)
					return nil
				}
				st.Iteration++
				body := wf.Steps[step.Body]
				if body.Kind == KindParallel {
					var payload any
					payload, ok = e.runGroup(ctx, wf, body, carried, st, obs)
					if ok {
						carried = payload
					}
				} else {
					res := e.invoke(ctx, st, body.ID, body.TaskRef, carried, obs)
					st.SetResult(body.ID, res)
					ok = res.Succeeded()
					if ok {
						carried = res.Payload
					}
				}
				if !ok {
					break
				}
				e.publish(ctx, st, checkpoint)
			}
			if ok {
				st.Statuses[step.ID] = run.UnitSucceeded
				cur = step.Next
			} else {
				st.Statuses[step.ID] = run.UnitFailed
				next, failed := routeFailure(step)
				if failed {
					st.SetStatus(run.StatusFailed)
					e.publish(ctx, st, checkpoint)
					return nil
				}
				cur = next
			}
		}

		e.publish(ctx, st, checkpoint)
	}

	if ctx.Err() != nil {
		st.SetStatus(run.StatusAborted)
	} else {
		st.SetStatus(run.StatusSucceeded)
	}
	e.publish(ctx, st, checkpoint)
	return nil
}

func (e *Engine) invoke(ctx context.Context, st *run.State, unitID, taskRef string, input any, obs run.Observer) task.Result {
	st.MarkRunning(unitID)
	if obs != nil {
		obs.UnitStarted(st.RunID, unitID)
	}

	ex, err := e.resolver.Resolve(taskRef)
	var res task.Result
	if err != nil {
		res = task.Result{TaskID: unitID, Status: task.StatusFailed, Error: err.Error()}
	} else {
		res = task.Invoke(ctx, unitID, ex, input, e.cfg.StepTimeout, e.cfg.Grace)
	}

	if obs != nil {
		obs.UnitFinished(st.RunID, unitID, res)
	}
	return res
}

// runGroup invokes all children concurrently against the same carried input.
// Individual child failures never fail the group; results are recorded for
// every child and the succeeded ones are aggregated into the next carried
// payload, in completion order. The group fails only when no child succeeds.
func (e *Engine) runGroup(ctx context.Context, wf *Workflow, step Step, input any, st *run.State, obs run.Observer) (any, bool) {
	for _, childID := range step.Children {
		st.MarkRunning(childID)
		if obs != nil {
			obs.UnitStarted(st.RunID, childID)
		}
	}

	width := len(step.Children)
	if e.cfg.MaxParallel > 0 && e.cfg.MaxParallel < width {
		width = e.cfg.MaxParallel
	}
	sem := make(chan struct{}, width)
	out := make(chan task.Result, len(step.Children))

	var wg sync.WaitGroup
	for _, childID := range step.Children {
		wg.Add(1)
		go func(childID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			child := wf.Steps[childID]
			ex, err := e.resolver.Resolve(child.TaskRef)
			if err != nil {
				out <- task.Result{TaskID: childID, Status: task.StatusFailed, Error: err.Error()}
				return
			}
			out <- task.Invoke(ctx, childID, ex, input, e.cfg.StepTimeout, e.cfg.Grace)
		}(childID)
	}
	wg.Wait()
	close(out)

	// Results are applied in one pass after the whole group finishes, in
	// completion order so aggregation tie-breaks stay FIFO.
	var completed []task.Result
	for res := range out {
		completed = append(completed, res)
		st.SetResult(res.TaskID, res)
		if obs != nil {
			obs.UnitFinished(st.RunID, res.TaskID, res)
		}
	}

	var succeeded []task.Result
	for _, res := range completed {
		if res.Succeeded() {
			succeeded = append(succeeded, res)
		}
	}
	if len(succeeded) == 0 {
		return nil, false
	}

	agg, err := aggregate.Apply(step.Strategy, succeeded, nil)
	if err != nil {
		slog.Warn("parallel group aggregation failed", "run", st.RunID, "step", step.ID, "error", err)
		return nil, false
	}
	return agg.Payload, true
}

// routeFailure returns the error-handler target, or failed=true when the
// step has none.
func routeFailure(step Step) (next string, failed bool) {
	if step.OnError == "" {
		return "", true
	}
	return step.OnError, false
}

func (e *Engine) publish(ctx context.Context, st *run.State, checkpoint run.CheckpointFunc) {
	if checkpoint == nil {
		return
	}
	if err := checkpoint(ctx, st); err != nil {
		slog.Warn("workflow checkpoint failed, run continues in memory", "run", st.RunID, "error", err)
	}
}
