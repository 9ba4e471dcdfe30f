// Package notify publishes state-changed and performance-alert events to
// external progress listeners. Delivery is best-effort: a lost event never
// affects run correctness.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/kestrelci/kestrel/internal/perf"
	"github.com/kestrelci/kestrel/internal/state"
)

// Sink receives orchestration events.
type Sink interface {
	StateChanged(ctx context.Context, e state.Event)
	PerformanceAlert(ctx context.Context, a perf.Alert)
}

// LogSink writes events to the process log. The default when no Redis is
// configured.
type LogSink struct{}

func (LogSink) StateChanged(ctx context.Context, e state.Event) {
	if e.TestID == "" {
		log.Printf("notify: run=%s status=%s", e.RunID, e.RunStatus)
		return
	}
	log.Printf("notify: run=%s test=%s status=%s attempt=%d", e.RunID, e.TestID, e.CheckpointStatus, e.Attempt)
}

func (LogSink) PerformanceAlert(ctx context.Context, a perf.Alert) {
	log.Printf("notify: perf regression test=%s duration=%s baseline=%s", a.TestID, a.Duration, a.Baseline)
}

// Fanout forwards each event to every sink.
type Fanout []Sink

func (f Fanout) StateChanged(ctx context.Context, e state.Event) {
	for _, s := range f {
		s.StateChanged(ctx, e)
	}
}

func (f Fanout) PerformanceAlert(ctx context.Context, a perf.Alert) {
	for _, s := range f {
		s.PerformanceAlert(ctx, a)
	}
}

// wire formats shared by sinks and external consumers.

type stateEventDoc struct {
	Kind             string    `json:"kind"`
	RunID            string    `json:"run_id"`
	RunStatus        string    `json:"run_status"`
	TestID           string    `json:"test_id,omitempty"`
	CheckpointStatus string    `json:"checkpoint_status,omitempty"`
	Attempt          int       `json:"attempt,omitempty"`
	At               time.Time `json:"at"`
}

type perfAlertDoc struct {
	Kind       string        `json:"kind"`
	TestID     string        `json:"test_id"`
	DurationMs int64         `json:"duration_ms"`
	BaselineMs int64         `json:"baseline_ms"`
	Multiplier float64       `json:"multiplier"`
	RaisedAt   time.Time     `json:"raised_at"`
}
