package swarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conclavehq/conclave/internal/aggregate"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

// ErrExhausted means every swarm member failed or timed out; the run cannot
// produce an answer.
var ErrExhausted = errors.New("all swarm members failed or timed out")

// Config bounds member invocations when the spec leaves the timeout unset.
type Config struct {
	DefaultTimeout time.Duration
	Grace          time.Duration
}

// Coordinator dispatches swarm members and reconciles their results.
type Coordinator struct {
	resolver task.Resolver
	cfg      Config
}

func NewCoordinator(resolver task.Resolver, cfg Config) *Coordinator {
	return &Coordinator{resolver: resolver, cfg: cfg}
}

// Execute invokes every member concurrently with the same input. Each
// member is bounded by the spec timeout; a failed or timed-out member never
// cancels its siblings. Once all members finish, the surviving results are
// aggregated; if the equivalence partition shows disagreement, the conflict
// strategy is applied first. MANUAL conflicts defer the decision to the
// caller and leave the run AWAITING_DECISION.
func (c *Coordinator) Execute(ctx context.Context, spec Spec, input any, st *run.State, checkpoint run.CheckpointFunc, obs run.Observer) (aggregate.Result, error) {
	if err := spec.Validate(); err != nil {
		st.SetStatus(run.StatusFailed)
		return aggregate.Result{}, err
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = c.cfg.DefaultTimeout
	}

	st.SetStatus(run.StatusRunning)
	for _, ref := range spec.TaskRefs {
		st.MarkRunning(ref)
		if obs != nil {
			obs.UnitStarted(st.RunID, ref)
		}
	}

	slog.Info("swarm dispatched", "run", st.RunID, "members", len(spec.TaskRefs), "timeout", timeout)

	// Swarm width is expected to be single-digit, so every member runs at
	// once, bounded only by the timeout.
	out := make(chan task.Result, len(spec.TaskRefs))
	var wg sync.WaitGroup
	for _, ref := range spec.TaskRefs {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			ex, err := c.resolver.Resolve(ref)
			if err != nil {
				out <- task.Result{TaskID: ref, Status: task.StatusFailed, Error: err.Error()}
				return
			}
			out <- task.Invoke(ctx, ref, ex, input, timeout, c.cfg.Grace)
		}(ref)
	}
	wg.Wait()
	close(out)

	// Single serialized pass over all member results, preserving the
	// completion order aggregation tie-breaks depend on.
	var succeeded []task.Result
	for res := range out {
		st.SetResult(res.TaskID, res)
		if obs != nil {
			obs.UnitFinished(st.RunID, res.TaskID, res)
		}
		if res.Succeeded() {
			succeeded = append(succeeded, res)
		}
	}

	if len(succeeded) == 0 {
		st.SetStatus(run.StatusFailed)
		c.publish(ctx, st, checkpoint)
		return aggregate.Result{}, ErrExhausted
	}

	agg, err := c.reconcile(spec, succeeded)
	if err != nil {
		st.SetStatus(run.StatusFailed)
		c.publish(ctx, st, checkpoint)
		return aggregate.Result{}, err
	}

	st.Aggregate = toStateAggregate(agg)
	switch {
	case agg.Deferred:
		st.SetStatus(run.StatusAwaitingDecision)
	case len(succeeded) == len(spec.TaskRefs):
		st.SetStatus(run.StatusSucceeded)
	default:
		st.SetStatus(run.StatusPartiallySucceeded)
	}
	c.publish(ctx, st, checkpoint)

	slog.Info("swarm reconciled", "run", st.RunID,
		"succeeded", len(succeeded), "total", len(spec.TaskRefs), "status", st.Status)
	return agg, nil
}

func (c *Coordinator) reconcile(spec Spec, succeeded []task.Result) (aggregate.Result, error) {
	eq := spec.equivalence()
	groups := aggregate.Partition(succeeded, eq)
	if aggregate.Conflicting(groups) {
		return aggregate.Resolve(spec.Conflict, groups, succeeded, eq)
	}
	return aggregate.Apply(spec.Aggregation, succeeded, eq)
}

func toStateAggregate(agg aggregate.Result) *run.Aggregate {
	out := &run.Aggregate{
		Payload:    agg.Payload,
		Confidence: agg.Confidence,
		Strategy:   string(agg.Strategy),
		Deferred:   agg.Deferred,
	}
	for _, opt := range agg.Options {
		out.Options = append(out.Options, run.Decision{
			Payload:    opt.Payload,
			Confidence: opt.Confidence,
			Votes:      opt.Votes,
		})
	}
	return out
}

func (c *Coordinator) publish(ctx context.Context, st *run.State, checkpoint run.CheckpointFunc) {
	if checkpoint == nil {
		return
	}
	if err := checkpoint(ctx, st); err != nil {
		slog.Warn("swarm checkpoint failed, run continues in memory", "run", st.RunID, "error", err)
	}
}
