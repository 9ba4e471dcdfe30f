package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/kestrelci/kestrel/internal/breaker"
)

// ExhaustedError is returned when every attempt failed with a retryable
// error. It wraps the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Breaker gates each attempt. Satisfied by *breaker.CircuitBreaker.
type Breaker interface {
	Do(ctx context.Context, resource string, fn func(ctx context.Context) error) error
}

// MetricsSink records retry attempts. Methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	RetryAttempt(retryable bool)
}

// Policy wraps a call with exponential-backoff retries. Each attempt goes
// through the breaker when one is attached, so an open circuit fails the
// whole call immediately instead of burning backoff delay.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      bool

	breaker Breaker     // optional, nil = no gating
	metrics MetricsSink // optional, nil = disabled

	sleep func(ctx context.Context, d time.Duration) error
}

func New(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	return &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sleep:       sleepContext,
	}
}

// WithBreaker routes every attempt through cb.
func (p *Policy) WithBreaker(cb Breaker) *Policy {
	p.breaker = cb
	return p
}

// WithJitter spreads each delay over [d/2, d) to avoid thundering-herd
// retries across workers.
func (p *Policy) WithJitter() *Policy {
	p.jitter = true
	return p
}

// WithMetrics attaches a metrics sink to the policy.
func (p *Policy) WithMetrics(sink MetricsSink) *Policy {
	p.metrics = sink
	return p
}

// Do runs fn with up to maxAttempts tries against the named resource.
// Non-retryable errors and breaker.ErrCircuitOpen propagate as-is; a run of
// retryable failures surfaces as *ExhaustedError wrapping the last one.
//
// An empty resource means the call is not network-bound: it still gets
// backoff retries, but no breaker gating. Circuits exist per external
// resource; unrelated local calls must never share one.
func (p *Policy) Do(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	var last error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			if p.metrics != nil {
				p.metrics.RetryAttempt(true)
			}
			if err := p.sleep(ctx, p.delay(attempt)); err != nil {
				return err
			}
		}

		var err error
		if p.breaker != nil && resource != "" {
			err = p.breaker.Do(ctx, resource, fn)
		} else {
			err = fn(ctx)
		}
		if err == nil {
			return nil
		}

		if errors.Is(err, breaker.ErrCircuitOpen) {
			// The resource is gated; further attempts would fail the same
			// way without touching it. Bail out without sleeping.
			return err
		}
		if !breaker.Retryable(err) {
			return err
		}
		last = err
	}

	return &ExhaustedError{Attempts: p.maxAttempts, Last: last}
}

// delay computes the backoff before the given attempt (attempt >= 2):
// baseDelay doubling per retry, capped at maxDelay.
func (p *Policy) delay(attempt int) time.Duration {
	d := p.baseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			d = p.maxDelay
			break
		}
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	if p.jitter && d > 0 {
		half := int64(d / 2)
		d = time.Duration(half + rand.Int63n(half+1))
	}
	return d
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
