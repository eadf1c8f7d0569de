package orchestrator

import (
	"log/slog"

	"github.com/conclavehq/conclave/internal/events"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

// RunListener receives run and unit lifecycle hooks. Callbacks run
// synchronously on the engine's goroutine; a panicking listener is logged
// and never takes the run down with it.
type RunListener interface {
	BeforeRun(runID string, pattern run.Pattern)
	AfterRun(runID string, final *run.State)
	RunDeferred(runID string, st *run.State)
	BeforeTask(runID, unitID string)
	AfterTask(runID, unitID string, res task.Result)
}

func (o *Orchestrator) AddListener(l RunListener) {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) fireBeforeRun(runID string, pattern run.Pattern) {
	o.eachListener(func(l RunListener) { l.BeforeRun(runID, pattern) })
}

func (o *Orchestrator) fireAfterRun(runID string, final *run.State) {
	o.eachListener(func(l RunListener) { l.AfterRun(runID, final) })
}

func (o *Orchestrator) fireRunDeferred(runID string, st *run.State) {
	o.eachListener(func(l RunListener) { l.RunDeferred(runID, st) })
}

func (o *Orchestrator) eachListener(fire func(RunListener)) {
	o.listenerMu.RLock()
	listeners := make([]RunListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("run listener panicked", "panic", r)
				}
			}()
			fire(l)
		}()
	}
}

// observer adapts listener hooks and event publishing to the engines'
// run.Observer contract.
type observer struct {
	o *Orchestrator
}

func (o *Orchestrator) observer() run.Observer {
	return observer{o: o}
}

func (ob observer) UnitStarted(runID, unitID string) {
	ob.o.eachListener(func(l RunListener) { l.BeforeTask(runID, unitID) })
	ob.o.publishEvent(events.Event{Type: events.TypeUnitStarted, RunID: runID, UnitID: unitID})
}

func (ob observer) UnitFinished(runID, unitID string, res task.Result) {
	ob.o.eachListener(func(l RunListener) { l.AfterTask(runID, unitID, res) })
	ob.o.publishEvent(events.Event{
		Type: events.TypeUnitFinished, RunID: runID, UnitID: unitID,
		Status: string(res.Status),
	})
}

func (o *Orchestrator) publishEvent(ev events.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.PublishEvent(ev); err != nil {
		slog.Warn("event publish failed", "run", ev.RunID, "type", ev.Type, "error", err)
	}
}
