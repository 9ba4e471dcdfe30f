package state

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
)

const interruptedError = "interrupted: process restarted while checkpoint was running"

// Manager owns the canonical run state. All mutations go through checkpoint
// transitions serialized by one mutex, and every transition is flushed to
// the store before the caller proceeds. Reads through Snapshot may be
// concurrent and are eventually consistent with the last flushed write.
type Manager struct {
	mu         sync.Mutex
	store      Store
	notifier   Notifier // optional, nil = disabled
	retryLimit int
	clock      func() time.Time

	run *domain.Run
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:      store,
		retryLimit: 1,
		clock:      time.Now,
	}
}

// WithNotifier attaches a state-changed notifier.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithRetryLimit sets the maximum attempts per test; interrupted or failed
// checkpoints are retry-cloned only while under this limit.
func (m *Manager) WithRetryLimit(n int) *Manager {
	if n > 0 {
		m.retryLimit = n
	}
	return m
}

// OpenOrCreate loads the persisted run or creates a fresh one.
func (m *Manager) OpenOrCreate(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, err := m.store.Load(ctx, runID)
	switch {
	case err == nil:
		m.run = run
	case errors.Is(err, ErrRunNotFound):
		run, err = domain.NewRun(runID, m.clock().UTC())
		if err != nil {
			return nil, err
		}
		m.run = run
		if err := m.persist(ctx, "create"); err != nil {
			return nil, err
		}
	default:
		return nil, &PersistenceError{RunID: runID, Op: "load", Err: err}
	}

	return m.snapshotLocked(), nil
}

// Schedule registers pending checkpoints for every test in the plan that
// does not already have one, in plan order. Idempotent across resumes.
func (m *Manager) Schedule(ctx context.Context, testIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return err
	}

	added := false
	for _, id := range testIDs {
		if m.run.Checkpoint(id) != nil {
			continue
		}
		m.run.Checkpoints = append(m.run.Checkpoints, domain.NewCheckpoint(id))
		added = true
	}
	if !added {
		return nil
	}
	return m.persist(ctx, "schedule")
}

// Begin transitions the test's current checkpoint pending -> running.
// Fails with ErrInvalidTransition if the checkpoint is terminal or already
// running.
func (m *Manager) Begin(ctx context.Context, testID string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return nil, err
	}

	cp := m.run.Checkpoint(testID)
	if cp == nil {
		return nil, fmt.Errorf("test %q not scheduled in run %s", testID, m.run.ID)
	}
	if !cp.CanTransition(domain.CheckpointStatusRunning) {
		return nil, fmt.Errorf("begin %q from %s: %w", testID, cp.Status, ErrInvalidTransition)
	}

	cp.Status = domain.CheckpointStatusRunning
	cp.StartedAt = m.clock().UTC()
	if m.run.Status == domain.RunStatusNotStarted || m.run.Status == domain.RunStatusPaused {
		m.run.Status = domain.RunStatusRunning
	}

	if err := m.persist(ctx, "begin"); err != nil {
		return nil, err
	}
	m.notify(ctx, cp)
	out := *cp
	return &out, nil
}

// Complete transitions the test's current checkpoint to a terminal status
// and attaches the artifacts the attempt produced. lastErr carries the
// failure message for the run summary's retry history.
func (m *Manager) Complete(ctx context.Context, testID string, status domain.CheckpointStatus, artifacts []domain.Artifact, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return err
	}

	cp := m.run.Checkpoint(testID)
	if cp == nil {
		return fmt.Errorf("test %q not scheduled in run %s", testID, m.run.ID)
	}
	if !cp.CanTransition(status) {
		return fmt.Errorf("complete %q %s -> %s: %w", testID, cp.Status, status, ErrInvalidTransition)
	}

	cp.Status = status
	cp.CompletedAt = m.clock().UTC()
	cp.Artifacts = append(cp.Artifacts, artifacts...)
	cp.LastError = lastErr

	if err := m.persist(ctx, "complete"); err != nil {
		return err
	}
	m.notify(ctx, cp)
	return nil
}

// Skip marks the test's pending checkpoint skipped with a reason, e.g.
// dependency_failed.
func (m *Manager) Skip(ctx context.Context, testID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return err
	}

	cp := m.run.Checkpoint(testID)
	if cp == nil {
		return fmt.Errorf("test %q not scheduled in run %s", testID, m.run.ID)
	}
	if !cp.CanTransition(domain.CheckpointStatusSkipped) {
		return fmt.Errorf("skip %q from %s: %w", testID, cp.Status, ErrInvalidTransition)
	}

	cp.Status = domain.CheckpointStatusSkipped
	cp.SkipReason = reason
	cp.CompletedAt = m.clock().UTC()

	if err := m.persist(ctx, "skip"); err != nil {
		return err
	}
	m.notify(ctx, cp)
	return nil
}

// Retry clones a fresh pending checkpoint referencing the test's failed
// attempt. The failed attempt is never regressed.
func (m *Manager) Retry(ctx context.Context, testID string) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return nil, err
	}

	cp := m.run.Checkpoint(testID)
	if cp == nil {
		return nil, fmt.Errorf("test %q not scheduled in run %s", testID, m.run.ID)
	}
	if !cp.Terminal() {
		return nil, fmt.Errorf("retry %q from %s: %w", testID, cp.Status, ErrInvalidTransition)
	}
	if cp.Attempt >= m.retryLimit {
		return nil, fmt.Errorf("retry %q: attempt limit %d reached", testID, m.retryLimit)
	}

	clone := cp.RetryClone()
	m.run.Checkpoints = append(m.run.Checkpoints, clone)

	if err := m.persist(ctx, "retry"); err != nil {
		return nil, err
	}
	m.notify(ctx, clone)
	out := *clone
	return &out, nil
}

// Resume returns the checkpoints that still need work after a restart, in
// original order. Checkpoints left running by a crash are converted to
// failed-by-interruption; while under the retry limit each gets a retry
// clone, which takes the interrupted checkpoint's place in the sequence.
// Idempotent: terminal checkpoints are never re-emitted.
func (m *Manager) Resume(ctx context.Context) ([]*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return nil, err
	}

	var pending []*domain.Checkpoint
	var clones []*domain.Checkpoint
	dirty := false

	for _, cp := range m.run.Checkpoints {
		switch cp.Status {
		case domain.CheckpointStatusPending:
			pending = append(pending, cp)
		case domain.CheckpointStatusRunning:
			cp.Status = domain.CheckpointStatusFailed
			cp.CompletedAt = m.clock().UTC()
			cp.LastError = interruptedError
			dirty = true
			if cp.Attempt < m.retryLimit {
				clone := cp.RetryClone()
				clones = append(clones, clone)
				pending = append(pending, clone)
				log.Printf("state: run=%s test=%s interrupted, retrying as attempt %d", m.run.ID, cp.TestID, clone.Attempt)
			} else {
				log.Printf("state: run=%s test=%s interrupted at attempt limit, failed", m.run.ID, cp.TestID)
			}
		}
	}

	m.run.Checkpoints = append(m.run.Checkpoints, clones...)
	if dirty {
		if err := m.persist(ctx, "resume"); err != nil {
			return nil, err
		}
	}

	out := make([]*domain.Checkpoint, len(pending))
	for i, cp := range pending {
		c := *cp
		out[i] = &c
	}
	return out, nil
}

// Pause marks the run paused. In-flight checkpoints finish naturally; the
// orchestrator starts no new group while paused.
func (m *Manager) Pause(ctx context.Context) error {
	return m.setRunStatus(ctx, domain.RunStatusPaused)
}

// Finish records the run's final status from its checkpoint outcomes:
// failed when any checkpoint failed, completed otherwise.
func (m *Manager) Finish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return err
	}

	status := domain.RunStatusCompleted
	for _, cp := range m.run.Checkpoints {
		if cp.Status == domain.CheckpointStatusFailed && m.run.Checkpoint(cp.TestID) == cp {
			status = domain.RunStatusFailed
			break
		}
	}
	m.run.Status = status
	if err := m.persist(ctx, "finish"); err != nil {
		return err
	}
	m.notifyRun(ctx)
	return nil
}

// Snapshot returns a deep copy of the run for progress reporting.
func (m *Manager) Snapshot() *domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return nil
	}
	return m.snapshotLocked()
}

func (m *Manager) setRunStatus(ctx context.Context, status domain.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRun(); err != nil {
		return err
	}
	m.run.Status = status
	if err := m.persist(ctx, string(status)); err != nil {
		return err
	}
	m.notifyRun(ctx)
	return nil
}

func (m *Manager) requireRun() error {
	if m.run == nil {
		return errors.New("no run open: call OpenOrCreate first")
	}
	return nil
}

// persist must be called with m.mu held.
func (m *Manager) persist(ctx context.Context, op string) error {
	m.run.UpdatedAt = m.clock().UTC()
	if err := m.store.Save(ctx, m.run); err != nil {
		return &PersistenceError{RunID: m.run.ID, Op: op, Err: err}
	}
	return nil
}

// notify must be called with m.mu held.
func (m *Manager) notify(ctx context.Context, cp *domain.Checkpoint) {
	if m.notifier == nil {
		return
	}
	m.notifier.StateChanged(ctx, Event{
		RunID:            m.run.ID,
		RunStatus:        m.run.Status,
		TestID:           cp.TestID,
		CheckpointStatus: cp.Status,
		Attempt:          cp.Attempt,
		At:               m.clock().UTC(),
	})
}

// notifyRun must be called with m.mu held.
func (m *Manager) notifyRun(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	m.notifier.StateChanged(ctx, Event{
		RunID:     m.run.ID,
		RunStatus: m.run.Status,
		At:        m.clock().UTC(),
	})
}

// snapshotLocked must be called with m.mu held.
func (m *Manager) snapshotLocked() *domain.Run {
	out := *m.run
	out.Checkpoints = make([]*domain.Checkpoint, len(m.run.Checkpoints))
	for i, cp := range m.run.Checkpoints {
		c := *cp
		c.Artifacts = append([]domain.Artifact(nil), cp.Artifacts...)
		out.Checkpoints[i] = &c
	}
	return &out
}
