package graph

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

// Config bounds one graph run. MaxParallel caps concurrent node invocations
// per level; zero allows the full level width.
type Config struct {
	MaxParallel int
	NodeTimeout time.Duration
	Grace       time.Duration
}

// Executor runs dependency graphs level by level.
type Executor struct {
	resolver task.Resolver
	cfg      Config
}

func NewExecutor(resolver task.Resolver, cfg Config) *Executor {
	return &Executor{resolver: resolver, cfg: cfg}
}

type nodeOutcome struct {
	nodeID string
	res    task.Result
}

// Execute runs g to completion, mutating st and publishing a checkpoint
// after every finished level. It fails fast with *CycleError before any
// executor is invoked. Nodes whose dependencies failed are marked skipped,
// transitively, while independent branches keep running. The final run
// status is succeeded only when every node succeeded.
func (e *Executor) Execute(ctx context.Context, g *Graph, input any, st *run.State, checkpoint run.CheckpointFunc, obs run.Observer) error {
	levels, err := Levels(g)
	if err != nil {
		st.SetStatus(run.StatusFailed)
		return err
	}

	st.SetStatus(run.StatusRunning)
	for id := range g.Nodes {
		st.Statuses[id] = run.UnitPending
	}

	for levelIdx, level := range levels {
		select {
		case <-ctx.Done():
			st.SetStatus(run.StatusAborted)
			e.publish(ctx, st, checkpoint)
			return nil
		default:
		}

		runnable, skipped := e.splitLevel(g, st, level)

		for _, id := range skipped {
			st.SetResult(id, task.Skipped(id))
			if obs != nil {
				obs.UnitFinished(st.RunID, id, st.Results[id])
			}
		}

		outcomes := e.runLevel(ctx, g, st, runnable, input, obs)

		// All writes for the level land here, in one serialized pass, so
		// snapshots never expose a half-applied level.
		for _, out := range outcomes {
			st.SetResult(out.nodeID, out.res)
			if obs != nil {
				obs.UnitFinished(st.RunID, out.nodeID, out.res)
			}
		}

		slog.Info("graph level completed",
			"run", st.RunID, "graph", g.ID, "level", levelIdx,
			"nodes", len(level), "skipped", len(skipped))

		e.publish(ctx, st, checkpoint)
	}

	if ctx.Err() != nil {
		st.SetStatus(run.StatusAborted)
	} else {
		st.SetStatus(finalStatus(g, st))
	}
	e.publish(ctx, st, checkpoint)
	return nil
}

// splitLevel separates a level into nodes that can run and nodes that must
// be skipped because a dependency did not succeed.
func (e *Executor) splitLevel(g *Graph, st *run.State, level []string) (runnable, skipped []string) {
	for _, id := range level {
		ok := true
		for _, dep := range g.Nodes[id].DependsOn {
			if st.Statuses[dep] != run.UnitSucceeded {
				ok = false
				break
			}
		}
		if ok {
			runnable = append(runnable, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	return runnable, skipped
}

func (e *Executor) runLevel(ctx context.Context, g *Graph, st *run.State, runnable []string, input any, obs run.Observer) []nodeOutcome {
	if len(runnable) == 0 {
		return nil
	}

	for _, id := range runnable {
		st.MarkRunning(id)
		if obs != nil {
			obs.UnitStarted(st.RunID, id)
		}
	}

	width := len(runnable)
	if e.cfg.MaxParallel > 0 && e.cfg.MaxParallel < width {
		width = e.cfg.MaxParallel
	}
	sem := make(chan struct{}, width)
	out := make(chan nodeOutcome, len(runnable))

	var wg sync.WaitGroup
	for _, id := range runnable {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			node := g.Nodes[id]
			nodeInput := dependencyInput(g, st, id, input)

			ex, err := e.resolver.Resolve(node.TaskRef)
			if err != nil {
				out <- nodeOutcome{nodeID: id, res: task.Result{
					TaskID: id, Status: task.StatusFailed, Error: err.Error(),
				}}
				return
			}
			res := task.Invoke(ctx, id, ex, nodeInput, e.cfg.NodeTimeout, e.cfg.Grace)
			out <- nodeOutcome{nodeID: id, res: res}
		}(id)
	}
	wg.Wait()
	close(out)

	outcomes := make([]nodeOutcome, 0, len(runnable))
	for o := range out {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].nodeID < outcomes[j].nodeID })
	return outcomes
}

// dependencyInput builds a node's input from the outputs of its direct
// dependencies. No dependencies: the run's initial input. One dependency:
// its payload verbatim. Several: a map keyed by dependency id, with map
// payloads flattened field-wise.
func dependencyInput(g *Graph, st *run.State, nodeID string, initial any) any {
	deps := g.Nodes[nodeID].DependsOn
	if len(deps) == 0 {
		return initial
	}
	if len(deps) == 1 {
		return st.Results[deps[0]].Payload
	}

	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)
	merged := make(map[string]any, len(sorted))
	for _, dep := range sorted {
		payload := st.Results[dep].Payload
		if m, ok := payload.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
			continue
		}
		merged[dep] = payload
	}
	return merged
}

func finalStatus(g *Graph, st *run.State) run.Status {
	succeeded := st.Succeeded()
	switch {
	case succeeded == len(g.Nodes):
		return run.StatusSucceeded
	case succeeded > 0:
		return run.StatusPartiallySucceeded
	default:
		return run.StatusFailed
	}
}

func (e *Executor) publish(ctx context.Context, st *run.State, checkpoint run.CheckpointFunc) {
	if checkpoint == nil {
		return
	}
	if err := checkpoint(ctx, st); err != nil {
		slog.Warn("graph checkpoint failed, run continues in memory", "run", st.RunID, "error", err)
	}
}
