package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/store"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeStarter) StartFromSpec(ctx context.Context, pattern string, spec []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pattern+":"+string(spec))
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("run-%d", len(f.calls)), nil
}

func newTestScheduler(t *testing.T, starter *fakeStarter) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, starter, config.SchedulerConfig{PollInterval: time.Hour}), s
}

func saveDue(t *testing.T, s *store.Store, id, scheduleJSON string) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	err := s.SaveSchedule(&store.ScheduledRun{
		ID:        id,
		Name:      id,
		Pattern:   "swarm",
		Spec:      `{"task_refs":["m1"]}`,
		Schedule:  scheduleJSON,
		Status:    "active",
		NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("save schedule: %v", err)
	}
}

func TestPollFiresDueSchedules(t *testing.T) {
	starter := &fakeStarter{}
	sched, s := newTestScheduler(t, starter)

	saveDue(t, s, "due-1", `{"kind":"interval","interval_ms":60000}`)

	sched.Poll(context.Background())

	if len(starter.calls) != 1 {
		t.Fatalf("expected 1 start, got %d", len(starter.calls))
	}
	if starter.calls[0] != `swarm:{"task_refs":["m1"]}` {
		t.Errorf("unexpected call: %s", starter.calls[0])
	}

	// The schedule moved into the future and must not fire again.
	sched.Poll(context.Background())
	if len(starter.calls) != 1 {
		t.Fatalf("expected no refire, got %d calls", len(starter.calls))
	}

	got, err := s.GetSchedule("due-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != "started" {
		t.Errorf("expected last_status started, got %s", got.LastStatus)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("expected future next_run_at, got %v", got.NextRunAt)
	}
}

func TestPollCompletesOneShot(t *testing.T) {
	starter := &fakeStarter{}
	sched, s := newTestScheduler(t, starter)

	// A one-shot whose time already passed fires once, then completes.
	at := time.Now().Add(-time.Minute)
	saveDue(t, s, "once", fmt.Sprintf(`{"kind":"once","at_ms":%d}`, at.UnixMilli()))

	sched.Poll(context.Background())

	if len(starter.calls) != 1 {
		t.Fatalf("expected 1 start, got %d", len(starter.calls))
	}
	got, err := s.GetSchedule("once")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestPollRecordsStartErrors(t *testing.T) {
	starter := &fakeStarter{err: errors.New("no such executor")}
	sched, s := newTestScheduler(t, starter)

	saveDue(t, s, "bad", `{"kind":"interval","interval_ms":60000}`)

	sched.Poll(context.Background())

	got, err := s.GetSchedule("bad")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastStatus != "error" {
		t.Errorf("expected last_status error, got %s", got.LastStatus)
	}
	if got.LastError != "no such executor" {
		t.Errorf("expected recorded error, got %s", got.LastError)
	}
	// A failing start still reschedules; transient failures self-heal.
	if got.NextRunAt == nil {
		t.Error("expected rescheduled next_run_at")
	}
}
