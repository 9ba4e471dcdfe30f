package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelci/kestrel/internal/testutil"
)

var errTimeout = &HTTPError{StatusCode: 503}

func newTestBreaker(threshold int, cooldown time.Duration, clk *testutil.FakeClock) *CircuitBreaker {
	cb := New(threshold, cooldown)
	cb.clock = clk.Now
	return cb
}

func TestAllow_UnknownResource_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	if err := cb.Allow("staging.example.com"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	res := "staging.example.com"
	cb.RecordFailure(res, errTimeout)
	cb.RecordFailure(res, errTimeout)
	if err := cb.Allow(res); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb := New(3, 5*time.Second)
	res := "staging.example.com"
	cb.RecordFailure(res, errTimeout)
	cb.RecordFailure(res, errTimeout)
	cb.RecordFailure(res, errTimeout)
	if err := cb.Allow(res); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestRecordFailure_NonRetryable_DoesNotTrip(t *testing.T) {
	cb := New(2, 5*time.Second)
	res := "staging.example.com"
	bad := &HTTPError{StatusCode: 404}
	cb.RecordFailure(res, bad)
	cb.RecordFailure(res, bad)
	cb.RecordFailure(res, bad)
	if err := cb.Allow(res); err != nil {
		t.Fatalf("4xx failures must not open the circuit, got %v", err)
	}
}

func TestAllow_AfterCooldown_HalfOpenSingleTrial(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cb := newTestBreaker(2, time.Minute, clk)
	res := "staging.example.com"

	cb.RecordFailure(res, errTimeout)
	cb.RecordFailure(res, errTimeout)
	if err := cb.Allow(res); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open, got %v", err)
	}

	clk.Advance(time.Minute)

	// Exactly one trial call gets through.
	if err := cb.Allow(res); err != nil {
		t.Fatalf("expected half-open trial, got %v", err)
	}
	if got := cb.State(res); got != "half_open" {
		t.Fatalf("state = %s, want half_open", got)
	}
	if err := cb.Allow(res); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second caller during trial must be rejected, got %v", err)
	}
}

func TestHalfOpen_TrialSuccess_Closes(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cb := newTestBreaker(1, time.Minute, clk)
	res := "staging.example.com"

	cb.RecordFailure(res, errTimeout)
	clk.Advance(time.Minute)
	if err := cb.Allow(res); err != nil {
		t.Fatalf("trial: %v", err)
	}
	cb.RecordSuccess(res)

	if got := cb.State(res); got != "closed" {
		t.Fatalf("state = %s, want closed", got)
	}
	// Counter was zeroed, so the threshold starts over from scratch.
	cb.RecordFailure(res, errTimeout)
	if err := cb.Allow(res); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit at threshold 1, got %v", err)
	}
}

func TestHalfOpen_TrialFailure_Reopens(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cb := newTestBreaker(1, time.Minute, clk)
	res := "staging.example.com"

	cb.RecordFailure(res, errTimeout)
	clk.Advance(time.Minute)
	if err := cb.Allow(res); err != nil {
		t.Fatalf("trial: %v", err)
	}
	cb.RecordFailure(res, errTimeout)

	if got := cb.State(res); got != "open" {
		t.Fatalf("state = %s, want open", got)
	}
	// openedAt was reset: cooldown starts over.
	clk.Advance(30 * time.Second)
	if err := cb.Allow(res); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("cooldown must restart after failed trial, got %v", err)
	}
	clk.Advance(30 * time.Second)
	if err := cb.Allow(res); err != nil {
		t.Fatalf("expected trial after restarted cooldown, got %v", err)
	}
}

func TestDo_OpenCircuit_SkipsCall(t *testing.T) {
	cb := New(1, time.Minute)
	res := "staging.example.com"
	cb.RecordFailure(res, errTimeout)

	called := false
	err := cb.Do(context.Background(), res, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("wrapped call must not run while circuit is open")
	}
}

func TestDo_RecordsOutcome(t *testing.T) {
	cb := New(1, time.Minute)
	res := "staging.example.com"

	err := cb.Do(context.Background(), res, func(ctx context.Context) error {
		return errTimeout
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := cb.Allow(res); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("failure via Do must count toward threshold, got %v", err)
	}
}
