// Package scheduler polls stored schedules and starts the runs that are
// due through the orchestrator facade.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/schedule"
	"github.com/conclavehq/conclave/internal/store"
)

// RunStarter is the slice of the orchestrator the scheduler needs.
type RunStarter interface {
	StartFromSpec(ctx context.Context, pattern string, spec []byte) (string, error)
}

type Scheduler struct {
	store        *store.Store
	orch         RunStarter
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, orch RunStarter, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		orch:         orch,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fires every due schedule once and reschedules or completes it.
func (s *Scheduler) Poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sr := range due {
		s.fire(ctx, sr)
	}
}

func (s *Scheduler) fire(ctx context.Context, sr store.ScheduledRun) {
	slog.Info("firing scheduled run",
		"id", sr.ID, "name", sr.Name, "pattern", sr.Pattern, "schedule", schedule.Describe(sr.Schedule))

	runID, err := s.orch.StartFromSpec(ctx, sr.Pattern, []byte(sr.Spec))

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled run failed to start", "id", sr.ID, "error", err)
	} else {
		lastStatus = "started"
		slog.Info("scheduled run started", "id", sr.ID, "run", runID)
	}

	nextRun := schedule.NextRunOf(sr.Schedule, time.Now())

	if err := s.store.UpdateScheduleRun(sr.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule", "id", sr.ID, "error", err)
	}

	// One-shots with no next firing are done.
	if nextRun == nil {
		slog.Info("schedule exhausted, marking completed", "id", sr.ID, "name", sr.Name)
		if err := s.store.UpdateScheduleStatus(sr.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sr.ID, "error", err)
		}
	}
}
