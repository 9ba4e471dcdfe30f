// Package reconciler detects and resubmits abandoned runs.
//
// A run is abandoned when its status is still 'running' but nothing has
// flushed its state for longer than the threshold (the owning process
// crashed or was killed between checkpoints).
//
// The reconciler periodically scans for abandoned runs and emits resume
// requests for them. Resuming is idempotent: terminal checkpoints are
// never re-executed, so a false positive costs one redundant request.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
)

// Store lists runs whose last state flush is older than staleBefore.
type Store interface {
	ListInterruptedRuns(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error)
}

// Emitter submits resume requests to the orchestrator loop.
type Emitter interface {
	Emit(ctx context.Context, req domain.RunRequest) error
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the staleness after which a running run is considered
	// abandoned. Must comfortably exceed the longest expected gap between
	// state flushes. Default: 15 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of runs to resubmit per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 15 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler detects abandoned runs and resubmits them for resume.
type Reconciler struct {
	config  Config
	store   Store
	emitter Emitter
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, emitter Emitter) *Reconciler {
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
	}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	now := r.clock().UTC()
	staleBefore := now.Add(-r.config.Threshold)

	abandoned, err := r.store.ListInterruptedRuns(ctx, staleBefore, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to list abandoned runs: %v", err)
		return
	}

	if len(abandoned) == 0 {
		// Nothing to do. Silent success.
		return
	}

	log.Printf("reconciler: found %d abandoned runs", len(abandoned))

	emitted := 0
	failed := 0

	for _, runID := range abandoned {
		// Check context before each emit to allow graceful shutdown
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d runs", emitted+failed, len(abandoned))
			return
		}

		req := domain.RunRequest{
			RunID:   runID,
			Reason:  domain.RunReasonResume,
			FiredAt: now,
		}

		if err := r.emitter.Emit(ctx, req); err != nil {
			// Emit failed (buffer full, context cancelled).
			// Log and continue - will retry next cycle.
			log.Printf("reconciler: failed to resubmit run=%s: %v", runID, err)
			failed++
			continue
		}

		log.Printf("reconciler: resubmitted run=%s for resume", runID)
		emitted++
	}

	log.Printf("reconciler: cycle complete, resubmitted=%d, failed=%d", emitted, failed)
}
