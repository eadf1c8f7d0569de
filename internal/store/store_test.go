package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := run.NewState("run-1", run.PatternGraph)
	st.SetResult("a", task.Result{TaskID: "a", Status: task.StatusSucceeded, Payload: "out", Confidence: 0.9})

	v, err := s.Save(ctx, "run-1", 0, st)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	got, version, err := s.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	if got.RunID != "run-1" || got.Pattern != run.PatternGraph {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Statuses["a"] != run.UnitSucceeded {
		t.Errorf("expected unit a succeeded, got %s", got.Statuses["a"])
	}
	if got.Results["a"].Payload != "out" {
		t.Errorf("expected payload out, got %v", got.Results["a"].Payload)
	}
}

func TestSaveStaleVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := run.NewState("run-1", run.PatternSwarm)
	if _, err := s.Save(ctx, "run-1", 0, st); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	st.SetStatus(run.StatusRunning)
	if _, err := s.Save(ctx, "run-1", 1, st); err != nil {
		t.Fatalf("save at current version: %v", err)
	}

	// Saving with the version we already moved past must fail.
	if _, err := s.Save(ctx, "run-1", 1, st); !errors.Is(err, run.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
	// Version 0 against an existing row is stale too.
	if _, err := s.Save(ctx, "run-1", 0, st); !errors.Is(err, run.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion for version 0 re-create, got %v", err)
	}
}

// Two writers racing on the same stored version: exactly one wins.
func TestSaveConcurrentWritersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := run.NewState("run-1", run.PatternGraph)
	if _, err := s.Save(ctx, "run-1", 0, st); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Save(ctx, "run-1", 1, st.Clone())
		}(i)
	}
	wg.Wait()

	var wins, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, run.ErrStaleVersion):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d stale", wins, stale)
	}

	if _, version, err := s.Load(ctx, "run-1"); err != nil || version != 2 {
		t.Fatalf("expected version 2 after race, got %d (%v)", version, err)
	}
}

func TestLoadAndDeleteMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Load(ctx, "nope"); !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "nope"); !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2"} {
		if _, err := s.Save(ctx, id, 0, run.NewState(id, run.PatternWorkflow)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	if err := s.Delete(ctx, "run-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.Load(ctx, "run-1"); !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(time.Hour).UTC()
	sr := &ScheduledRun{
		ID:        "sched-1",
		Name:      "nightly-report",
		Pattern:   "graph",
		Spec:      `{"graph":{"id":"report"}}`,
		Schedule:  `{"kind":"cron","cron_expr":"0 3 * * *"}`,
		Status:    "active",
		NextRunAt: &next,
	}
	if err := s.SaveSchedule(sr); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	got, err := s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got == nil || got.Name != "nightly-report" || got.Pattern != "graph" {
		t.Fatalf("schedule mismatch: %+v", got)
	}

	schedules, err := s.ListSchedules()
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(schedules))
	}

	if err := s.DeleteSchedule("sched-1"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	if got, _ := s.GetSchedule("sched-1"); got != nil {
		t.Fatal("expected nil after delete")
	}
}

func TestGetDueSchedules(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()

	due := &ScheduledRun{ID: "due", Name: "due", Pattern: "swarm", Spec: "{}", Schedule: "{}", Status: "active", NextRunAt: &past}
	later := &ScheduledRun{ID: "later", Name: "later", Pattern: "swarm", Spec: "{}", Schedule: "{}", Status: "active", NextRunAt: &future}
	paused := &ScheduledRun{ID: "paused", Name: "paused", Pattern: "swarm", Spec: "{}", Schedule: "{}", Status: "paused", NextRunAt: &past}
	for _, sr := range []*ScheduledRun{due, later, paused} {
		if err := s.SaveSchedule(sr); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.GetDueSchedules(time.Now().UTC())
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("expected only the due schedule, got %+v", got)
	}

	if err := s.UpdateScheduleRun("due", "succeeded", "", &future); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, err = s.GetDueSchedules(time.Now().UTC())
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no due schedules after reschedule, got %d", len(got))
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "api_key", Description: "upstream key", Value: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("api_key")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil || string(got.Value) != string([]byte{1, 2, 3}) {
		t.Fatalf("secret mismatch: %+v", got)
	}

	list, err := s.ListSecrets()
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(list))
	}
	if list[0].Value != nil {
		t.Error("listing must not expose ciphertext")
	}

	if err := s.DeleteSecret("api_key"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	if got, _ := s.GetSecret("api_key"); got != nil {
		t.Fatal("expected nil after delete")
	}
}
