package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunReason string

const (
	RunReasonManual    RunReason = "manual"
	RunReasonScheduled RunReason = "scheduled"
	RunReasonResume    RunReason = "resume"
)

// RunRequest asks the orchestrator to start (or resume) a run. Scheduled
// requests carry an idempotency key derived from the fire time so a
// restarted trigger never double-fires the same slot.
type RunRequest struct {
	RunID  uuid.UUID
	Reason RunReason

	// SinceRef is the change reference to diff against when selecting
	// affected tests. Empty means run everything.
	SinceRef string

	ScheduledAt    time.Time
	FiredAt        time.Time
	IdempotencyKey string
}
