package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type resourceState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
	// trialInFlight guards the single half-open probe: set when Allow hands
	// out the trial, cleared by the matching Record call.
	trialInFlight bool
}

// MetricsSink records breaker state transitions. Methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	BreakerTransition(resource, from, to string)
	BreakerRejected(resource string)
}

// CircuitBreaker gates calls to unreliable resources, keyed by resource
// name (typically the external host a test drives). All state lives under
// one mutex so threshold increments, transitions and the half-open trial
// token are atomic with respect to concurrent workers.
type CircuitBreaker struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	threshold int
	cooldown  time.Duration
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		resources: make(map[string]*resourceState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the breaker.
func (cb *CircuitBreaker) WithMetrics(sink MetricsSink) *CircuitBreaker {
	cb.metrics = sink
	return cb
}

// Allow reports whether a call to resource may proceed. While open it
// returns ErrCircuitOpen without touching the resource; once the cooldown
// elapses exactly one caller gets the half-open trial.
func (cb *CircuitBreaker) Allow(resource string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.resources[resource]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			cb.transition(resource, s, stateHalfOpen)
			s.trialInFlight = true
			return nil
		}
		cb.rejected(resource)
		return ErrCircuitOpen
	case stateHalfOpen:
		if !s.trialInFlight {
			s.trialInFlight = true
			return nil
		}
		cb.rejected(resource)
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess closes the circuit for resource and zeroes its counter.
func (cb *CircuitBreaker) RecordSuccess(resource string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.resources[resource]
	if !ok {
		return
	}
	s.trialInFlight = false
	s.consecutiveFailures = 0
	if s.state != stateClosed {
		cb.transition(resource, s, stateClosed)
	}
}

// RecordFailure counts a failed call against resource. Only retryable
// failures (timeouts, connection errors, 5xx) count toward the threshold;
// a 4xx or validation error leaves the breaker untouched.
func (cb *CircuitBreaker) RecordFailure(resource string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.resources[resource]
	if !ok {
		s = &resourceState{}
		cb.resources[resource] = s
	}

	if s.state == stateHalfOpen {
		// Failed trial: back to open with a fresh cooldown window.
		s.trialInFlight = false
		s.openedAt = cb.clock()
		cb.transition(resource, s, stateOpen)
		return
	}

	if !Retryable(err) {
		return
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.openedAt = cb.clock()
		cb.transition(resource, s, stateOpen)
	}
}

// Do wraps fn with the breaker: Allow, call, Record. The context is passed
// through untouched; classification of the returned error decides whether
// the failure counts toward the threshold.
func (cb *CircuitBreaker) Do(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	if err := cb.Allow(resource); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure(resource, err)
		return err
	}
	cb.RecordSuccess(resource)
	return nil
}

// State returns the current state name for resource, for progress reporting.
func (cb *CircuitBreaker) State(resource string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s, ok := cb.resources[resource]
	if !ok {
		return stateClosed.String()
	}
	return s.state.String()
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(resource string, s *resourceState, to state) {
	from := s.state
	s.state = to
	if cb.metrics != nil {
		cb.metrics.BreakerTransition(resource, from.String(), to.String())
	}
}

// rejected must be called with cb.mu held.
func (cb *CircuitBreaker) rejected(resource string) {
	if cb.metrics != nil {
		cb.metrics.BreakerRejected(resource)
	}
}
