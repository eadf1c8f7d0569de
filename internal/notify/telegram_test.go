package notify

import (
	"strings"
	"testing"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/task"
)

func TestNewRequiresTokenAndChat(t *testing.T) {
	if _, err := New(config.TelegramConfig{}); err == nil {
		t.Fatal("expected error without token")
	}
	if _, err := New(config.TelegramConfig{Token: "t"}); err == nil {
		t.Fatal("expected error without chat_id")
	}
}

func TestFormatCompletion(t *testing.T) {
	st := run.NewState("r1", run.PatternGraph)
	st.SetResult("a", task.Result{TaskID: "a", Status: task.StatusSucceeded})
	st.SetResult("b", task.Result{TaskID: "b", Status: task.StatusFailed})
	st.SetStatus(run.StatusPartiallySucceeded)

	msg := formatCompletion("r1", st)
	if !strings.Contains(msg, "partially_succeeded") || !strings.Contains(msg, "1/2") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestFormatDeferred(t *testing.T) {
	st := run.NewState("r2", run.PatternSwarm)
	st.Aggregate = &run.Aggregate{
		Deferred: true,
		Options:  []run.Decision{{Payload: "x"}, {Payload: "y"}},
	}
	st.SetStatus(run.StatusAwaitingDecision)

	msg := formatCompletion("r2", st)
	if !strings.Contains(msg, "decision between 2 options") {
		t.Errorf("unexpected message: %s", msg)
	}
}
