package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
)

// ErrRunNotFound is returned by Store.Load for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// ErrInvalidTransition is returned when a checkpoint transition would
// regress a terminal checkpoint or skip a state. It signals a caller bug.
var ErrInvalidTransition = errors.New("invalid checkpoint transition")

// Store persists runs. Save MUST be durable and atomic per call:
// the manager flushes every checkpoint transition through it before the
// caller proceeds, so a crash loses at most the in-flight checkpoint's
// final status.
type Store interface {
	Save(ctx context.Context, run *domain.Run) error
	Load(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
}

// PersistenceError wraps a Store failure. Fatal for the current run: state
// cannot be trusted without durable writes.
type PersistenceError struct {
	RunID uuid.UUID
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint persistence: %s run=%s: %v", e.Op, e.RunID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Event is published on every persisted state change.
type Event struct {
	RunID            uuid.UUID
	RunStatus        domain.RunStatus
	TestID           string
	CheckpointStatus domain.CheckpointStatus
	Attempt          int
	At               time.Time
}

// Notifier receives state-changed events. Implementations must not block;
// delivery is best-effort and never affects run correctness.
type Notifier interface {
	StateChanged(ctx context.Context, e Event)
}
