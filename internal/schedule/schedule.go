// Package schedule parses and evaluates the JSON schedule definitions
// stored alongside scheduled runs: recurring cron expressions, fixed
// intervals, and one-shot timestamps.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case "once":
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// NextRun returns the next firing time after now, or nil when the schedule
// will never fire again (a one-shot in the past, or an invalid expression).
func (s *Schedule) NextRun(now time.Time) *time.Time {
	var next time.Time
	switch s.Kind {
	case "cron":
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case "interval":
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case "once":
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// NextRunOf parses a stored schedule string and returns its next firing
// time, nil when it cannot fire again.
func NextRunOf(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.NextRun(now)
}

// Normalize accepts either a schedule JSON document or a bare cron
// expression and returns canonical JSON, validating along the way.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON or cron expression: %s", raw)
	}

	data, err := json.Marshal(Schedule{Kind: "cron", CronExpr: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe returns a short human-readable rendering for listings.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch s.Kind {
	case "cron":
		return "cron " + s.CronExpr
	case "interval":
		return "every " + (time.Duration(s.IntervalMs) * time.Millisecond).String()
	case "once":
		return "once at " + time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
	default:
		return raw
	}
}
