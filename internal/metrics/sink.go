package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
type Sink interface {
	// Run metrics
	RunStarted()
	RunCompleted(status string, duration time.Duration)
	CheckpointOutcome(status string)
	TestsInFlightIncr()
	TestsInFlightDecr()

	// Resilience metrics
	RetryAttempt(retryable bool)
	BreakerTransition(resource, from, to string)
	BreakerRejected(resource string)

	// Performance metrics
	TestDurationObserved(testID string, d time.Duration)
	RegressionAlert(testID string)
}

// Run outcome constants for RunCompleted.
const (
	RunOutcomeCompleted = "completed"
	RunOutcomeFailed    = "failed"
	RunOutcomePaused    = "paused"
)

// Noop is a Sink that discards everything. Useful when metrics are
// disabled.
type Noop struct{}

func (Noop) RunStarted()                                    {}
func (Noop) RunCompleted(string, time.Duration)             {}
func (Noop) CheckpointOutcome(string)                       {}
func (Noop) TestsInFlightIncr()                             {}
func (Noop) TestsInFlightDecr()                             {}
func (Noop) RetryAttempt(bool)                              {}
func (Noop) BreakerTransition(string, string, string)       {}
func (Noop) BreakerRejected(string)                         {}
func (Noop) TestDurationObserved(string, time.Duration)     {}
func (Noop) RegressionAlert(string)                         {}
