// Package orchestrator is the facade the rest of the system starts and
// inspects runs through. It owns the working state of every active run,
// is the sole writer to the checkpoint store, and tracks cancel functions
// so callers can abort runs in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/events"
	"github.com/conclavehq/conclave/internal/graph"
	"github.com/conclavehq/conclave/internal/registry"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/swarm"
	"github.com/conclavehq/conclave/internal/workflow"
)

// ErrRunNotActive is returned for operations that need an in-flight run.
var ErrRunNotActive = errors.New("run is not active")

// CheckpointError wraps a persistence failure after retries were spent.
// The run keeps executing in memory; its snapshots are marked unpersisted.
type CheckpointError struct {
	RunID string
	Err   error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint for run %s failed: %v", e.RunID, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    *run.State // working state, engine-owned while running
	snapshot *run.State // last consistent clone, safe to serve
}

type Orchestrator struct {
	cfg     config.OrchestratorConfig
	archive config.ArchiveConfig
	reg     *registry.Registry
	store   run.CheckpointStore
	bus     *events.Client

	graphExec *graph.Executor
	wfEngine  *workflow.Engine
	swarmCo   *swarm.Coordinator

	mu     sync.Mutex
	active map[string]*activeRun

	listenerMu sync.RWMutex
	listeners  []RunListener
}

func New(cfg *config.Config, reg *registry.Registry, store run.CheckpointStore) *Orchestrator {
	o := &Orchestrator{
		archive: cfg.Archive,
		reg:     reg,
		store:   store,
		active:  make(map[string]*activeRun),
	}
	o.applyConfig(cfg.Orchestrator)
	return o
}

// UpdateConfig applies new execution limits to runs started after the
// call. In-flight runs keep the limits they started with.
func (o *Orchestrator) UpdateConfig(oc config.OrchestratorConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applyConfig(oc)
}

// applyConfig rebuilds the engines; callers other than New hold o.mu.
func (o *Orchestrator) applyConfig(oc config.OrchestratorConfig) {
	o.cfg = oc
	o.graphExec = graph.NewExecutor(o.reg, graph.Config{
		MaxParallel: oc.MaxParallel,
		NodeTimeout: oc.NodeTimeout,
		Grace:       oc.Grace,
	})
	o.wfEngine = workflow.NewEngine(o.reg, workflow.Config{
		MaxParallel: oc.MaxParallel,
		StepTimeout: oc.StepTimeout,
		Grace:       oc.Grace,
	})
	o.swarmCo = swarm.NewCoordinator(o.reg, swarm.Config{
		DefaultTimeout: oc.StepTimeout,
		Grace:          oc.Grace,
	})
}

// SetEventBus wires a NATS client for run event publishing. Optional; the
// orchestrator works without one.
func (o *Orchestrator) SetEventBus(c *events.Client) {
	o.bus = c
}

// StartGraphRun validates g, persists the initial checkpoint, and executes
// the graph in the background. It returns the new run id immediately.
func (o *Orchestrator) StartGraphRun(ctx context.Context, g *graph.Graph, input any) (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}
	// Reject cyclic graphs before a run id is ever handed out.
	if _, err := graph.Levels(g); err != nil {
		return "", err
	}
	o.mu.Lock()
	exec := o.graphExec
	o.mu.Unlock()
	return o.begin(ctx, run.PatternGraph, func(runCtx context.Context, st *run.State, cp run.CheckpointFunc) {
		if err := exec.Execute(runCtx, g, input, st, cp, o.observer()); err != nil {
			slog.Error("graph run failed", "run", st.RunID, "error", err)
		}
	})
}

// StartWorkflowRun executes an already-validated workflow in the background.
func (o *Orchestrator) StartWorkflowRun(ctx context.Context, wf *workflow.Workflow, input any) (string, error) {
	if wf == nil {
		return "", fmt.Errorf("workflow is nil")
	}
	o.mu.Lock()
	engine := o.wfEngine
	o.mu.Unlock()
	return o.begin(ctx, run.PatternWorkflow, func(runCtx context.Context, st *run.State, cp run.CheckpointFunc) {
		if err := engine.Execute(runCtx, wf, input, st, cp, o.observer()); err != nil {
			slog.Error("workflow run failed", "run", st.RunID, "error", err)
		}
	})
}

// StartSwarmRun executes a swarm in the background.
func (o *Orchestrator) StartSwarmRun(ctx context.Context, spec swarm.Spec, input any) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	o.mu.Lock()
	co := o.swarmCo
	o.mu.Unlock()
	return o.begin(ctx, run.PatternSwarm, func(runCtx context.Context, st *run.State, cp run.CheckpointFunc) {
		if _, err := co.Execute(runCtx, spec, input, st, cp, o.observer()); err != nil {
			slog.Warn("swarm run did not produce an answer", "run", st.RunID, "error", err)
		}
	})
}

func (o *Orchestrator) begin(ctx context.Context, pattern run.Pattern, execute func(context.Context, *run.State, run.CheckpointFunc)) (string, error) {
	runID := uuid.NewString()
	st := run.NewState(runID, pattern)

	// The initial checkpoint must land before the run is visible; a run
	// that cannot be persisted at all is refused outright.
	version, err := o.store.Save(ctx, runID, 0, st)
	if err != nil {
		return "", fmt.Errorf("persist initial checkpoint: %w", err)
	}
	st.Version = version

	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    st,
		snapshot: st.Clone(),
	}
	o.mu.Lock()
	o.active[runID] = ar
	o.mu.Unlock()

	o.fireBeforeRun(runID, pattern)
	o.publishEvent(events.Event{Type: events.TypeRunStarted, RunID: runID, Pattern: string(pattern)})
	slog.Info("run started", "run", runID, "pattern", pattern)

	go func() {
		defer close(ar.done)
		execute(runCtx, st, o.checkpointFunc(ar))
		o.finish(ar)
	}()

	return runID, nil
}

// checkpointFunc returns the per-run snapshot publisher handed to engines.
// Each call clones the working state, saves it with optimistic concurrency,
// and retains the clone for GetRunState. On a stale version the stored
// version is re-read and the save retried a bounded number of times.
func (o *Orchestrator) checkpointFunc(ar *activeRun) run.CheckpointFunc {
	o.mu.Lock()
	retries := o.cfg.CheckpointRetries
	o.mu.Unlock()
	return func(ctx context.Context, st *run.State) error {
		ar.mu.Lock()
		defer ar.mu.Unlock()

		snap := st.Clone()
		version := st.Version
		var lastErr error
		for attempt := 0; attempt <= retries; attempt++ {
			newVersion, err := o.store.Save(ctx, st.RunID, version, snap)
			if err == nil {
				st.Version = newVersion
				st.Unpersisted = false
				snap.Version = newVersion
				snap.Unpersisted = false
				ar.snapshot = snap
				o.publishEvent(events.Event{
					Type: events.TypeCheckpoint, RunID: st.RunID,
					Status: string(snap.Status), Version: newVersion,
				})
				return nil
			}
			lastErr = err
			if !errors.Is(err, run.ErrStaleVersion) {
				break
			}
			_, stored, lerr := o.store.Load(ctx, st.RunID)
			if lerr != nil {
				lastErr = lerr
				break
			}
			version = stored
		}

		st.Unpersisted = true
		snap.Unpersisted = true
		ar.snapshot = snap
		return &CheckpointError{RunID: st.RunID, Err: lastErr}
	}
}

func (o *Orchestrator) finish(ar *activeRun) {
	ar.mu.Lock()
	final := ar.snapshot
	st := ar.state
	ar.mu.Unlock()

	// AfterRun fires only on terminal states; a deferred run is still in
	// progress until a decision lands and gets its own hook.
	if final.Status.Terminal() {
		o.fireAfterRun(st.RunID, final)
	} else if final.Status == run.StatusAwaitingDecision {
		o.fireRunDeferred(st.RunID, final)
	}

	evType := events.TypeRunFinished
	switch final.Status {
	case run.StatusAborted:
		evType = events.TypeRunCancelled
	case run.StatusAwaitingDecision:
		evType = events.TypeRunDeferred
	}
	o.publishEvent(events.Event{Type: evType, RunID: st.RunID, Status: string(final.Status), Version: final.Version})
	slog.Info("run finished", "run", st.RunID, "status", final.Status, "unpersisted", final.Unpersisted)

	// Deferred and unpersisted runs stay active: deferred ones wait for a
	// decision, unpersisted ones are only readable from memory.
	if final.Status.Terminal() && !final.Unpersisted {
		o.mu.Lock()
		delete(o.active, st.RunID)
		o.mu.Unlock()
	}
}

// GetRunState returns a consistent snapshot: the latest published
// checkpoint of an active run, or the stored checkpoint of a finished
// one. Successive calls without an intervening checkpoint return equal
// snapshots.
func (o *Orchestrator) GetRunState(ctx context.Context, runID string) (*run.State, error) {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		return ar.snapshot.Clone(), nil
	}

	st, _, err := o.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// CancelRun aborts an in-flight run. The engine observes the cancelled
// context at its next boundary and checkpoints an ABORTED state.
func (o *Orchestrator) CancelRun(runID string) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	ar.cancel()
	return nil
}

// Wait blocks until an active run's engine returns. It is a test and
// shutdown aid; inactive runs return immediately.
func (o *Orchestrator) Wait(runID string) {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		<-ar.done
	}
}

// ResolveDecision picks one of the deferred options of a run awaiting a
// decision, finalizes its aggregate, and checkpoints the terminal state.
func (o *Orchestrator) ResolveDecision(ctx context.Context, runID string, option int) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}

	ar.mu.Lock()
	st := ar.state
	if st.Status != run.StatusAwaitingDecision || st.Aggregate == nil || !st.Aggregate.Deferred {
		ar.mu.Unlock()
		return fmt.Errorf("run %s is not awaiting a decision", runID)
	}
	if option < 0 || option >= len(st.Aggregate.Options) {
		ar.mu.Unlock()
		return fmt.Errorf("option %d out of range (%d options)", option, len(st.Aggregate.Options))
	}

	chosen := st.Aggregate.Options[option]
	st.Aggregate.Payload = chosen.Payload
	st.Aggregate.Confidence = chosen.Confidence
	st.Aggregate.Deferred = false
	st.Aggregate.Strategy = "manual"

	status := run.StatusSucceeded
	for _, us := range st.Statuses {
		if us != run.UnitSucceeded {
			status = run.StatusPartiallySucceeded
			break
		}
	}
	st.SetStatus(status)
	ar.mu.Unlock()

	cpErr := o.checkpointFunc(ar)(ctx, st)
	o.finish(ar)
	return cpErr
}
