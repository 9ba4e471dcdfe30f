package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusPaused     RunStatus = "paused"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

var ErrEmptyRunID = errors.New("run id must not be empty")

// Run records one orchestrated test run and the ordered checkpoints it
// produced. Mutated only through state.Manager; everything else reads it.
type Run struct {
	ID uuid.UUID

	Status      RunStatus
	Checkpoints []*Checkpoint

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRun creates a fresh run in status not_started.
func NewRun(id uuid.UUID, now time.Time) (*Run, error) {
	if id == uuid.Nil {
		return nil, ErrEmptyRunID
	}
	return &Run{
		ID:        id,
		Status:    RunStatusNotStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Checkpoint returns the latest checkpoint for testID, or nil if the test
// has never been scheduled in this run. Retry clones append, so the last
// matching entry is the current attempt.
func (r *Run) Checkpoint(testID string) *Checkpoint {
	for i := len(r.Checkpoints) - 1; i >= 0; i-- {
		if r.Checkpoints[i].TestID == testID {
			return r.Checkpoints[i]
		}
	}
	return nil
}

// Terminal reports whether the run reached a final status.
func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}
