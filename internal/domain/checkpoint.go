package domain

import (
	"time"

	"github.com/google/uuid"
)

type CheckpointStatus string

const (
	CheckpointStatusPending CheckpointStatus = "pending"
	CheckpointStatusRunning CheckpointStatus = "running"
	CheckpointStatusPassed  CheckpointStatus = "passed"
	CheckpointStatusFailed  CheckpointStatus = "failed"
	CheckpointStatusSkipped CheckpointStatus = "skipped"
)

// SkipReasonDependencyFailed marks a checkpoint skipped because a test it
// depends on did not pass.
const SkipReasonDependencyFailed = "dependency_failed"

// Checkpoint is one unit of schedulable work: a single attempt at running a
// test. Status moves pending -> running -> {passed|failed|skipped} and never
// regresses; a retry is a new checkpoint linked through PreviousAttemptID,
// not a rewind of this one.
type Checkpoint struct {
	ID     uuid.UUID
	TestID string

	Status     CheckpointStatus
	SkipReason string
	LastError  string

	// Attempt is 1 for the first checkpoint of a test in a run and
	// increments on each retry clone.
	Attempt           int
	PreviousAttemptID uuid.UUID

	StartedAt   time.Time
	CompletedAt time.Time

	Artifacts []Artifact
}

// NewCheckpoint creates a pending first-attempt checkpoint for testID.
func NewCheckpoint(testID string) *Checkpoint {
	return &Checkpoint{
		ID:      uuid.New(),
		TestID:  testID,
		Status:  CheckpointStatusPending,
		Attempt: 1,
	}
}

// RetryClone creates a fresh pending checkpoint referencing this attempt.
// The receiver must already be terminal; it is never modified.
func (c *Checkpoint) RetryClone() *Checkpoint {
	return &Checkpoint{
		ID:                uuid.New(),
		TestID:            c.TestID,
		Status:            CheckpointStatusPending,
		Attempt:           c.Attempt + 1,
		PreviousAttemptID: c.ID,
	}
}

// Terminal reports whether the checkpoint reached a final status.
func (c *Checkpoint) Terminal() bool {
	switch c.Status {
	case CheckpointStatusPassed, CheckpointStatusFailed, CheckpointStatusSkipped:
		return true
	}
	return false
}

// CanTransition reports whether moving to next is a legal monotonic
// transition from the current status.
func (c *Checkpoint) CanTransition(next CheckpointStatus) bool {
	switch c.Status {
	case CheckpointStatusPending:
		return next == CheckpointStatusRunning || next == CheckpointStatusSkipped
	case CheckpointStatusRunning:
		return next == CheckpointStatusPassed || next == CheckpointStatusFailed || next == CheckpointStatusSkipped
	default:
		return false
	}
}
