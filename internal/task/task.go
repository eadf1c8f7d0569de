// Package task defines the unit of work the orchestration engines run:
// an Executor invoked with an input payload, producing a Result with a
// confidence score. Executor internals are opaque to the engines.
package task

import (
	"context"
	"time"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusSkipped   Status = "skipped"
)

// Result is produced once per executor invocation and is immutable after
// creation. Payload holds an arbitrary JSON-serializable value.
type Result struct {
	TaskID     string  `json:"task_id"`
	Status     Status  `json:"status"`
	Payload    any     `json:"payload,omitempty"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func (r Result) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Executor is a pluggable unit of work. Implementations must be safe for
// concurrent invocation and should honor ctx cancellation and deadlines on
// a best-effort basis.
type Executor interface {
	Invoke(ctx context.Context, input any) (Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, input any) (Result, error)

func (f Func) Invoke(ctx context.Context, input any) (Result, error) {
	return f(ctx, input)
}

// Resolver maps a task reference to a registered Executor.
type Resolver interface {
	Resolve(taskRef string) (Executor, error)
}

// Invoke runs ex with a deadline and converts every failure mode into a
// Result instead of an error: an executor error becomes FAILED, exceeding
// the deadline becomes TIMED_OUT, and an executor that ignores cancellation
// beyond the grace period is recorded as TIMED_OUT so the run never blocks
// on it. The abandoned goroutine exits whenever the executor returns.
func Invoke(ctx context.Context, taskID string, ex Executor, input any, timeout, grace time.Duration) Result {
	cctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan Result, 1)
	go func() {
		res, err := ex.Invoke(cctx, input)
		if err != nil {
			ch <- Result{TaskID: taskID, Status: StatusFailed, Error: err.Error()}
			return
		}
		if res.TaskID == "" {
			res.TaskID = taskID
		}
		if res.Status == "" {
			res.Status = StatusSucceeded
		}
		ch <- res
	}()

	select {
	case res := <-ch:
		return res
	case <-cctx.Done():
	}

	// Deadline hit or the run was cancelled. Give the executor the grace
	// period to notice and return on its own.
	if grace <= 0 {
		grace = 100 * time.Millisecond
	}
	select {
	case res := <-ch:
		if cctx.Err() == context.DeadlineExceeded {
			return Result{TaskID: taskID, Status: StatusTimedOut, Error: "deadline exceeded"}
		}
		return res
	case <-time.After(grace):
		return Result{TaskID: taskID, Status: StatusTimedOut, Error: cctx.Err().Error()}
	}
}

// Skipped builds the Result recorded for a unit that was never invoked
// because a dependency failed.
func Skipped(taskID string) Result {
	return Result{TaskID: taskID, Status: StatusSkipped}
}
