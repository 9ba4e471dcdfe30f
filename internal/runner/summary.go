package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
)

// Summary aggregates a run's outcome per test: counts over the latest
// checkpoint of each test, plus retry history for every failure.
type Summary struct {
	RunID  uuid.UUID
	Status domain.RunStatus

	Passed  int
	Failed  int
	Skipped int
	Pending int

	Failures []Failure
}

// Failure carries the final failed attempt of a test together with the
// artifacts collected across all of its attempts.
type Failure struct {
	TestID    string
	Attempts  int
	LastError string
	Artifacts []domain.Artifact
}

func Summarize(run *domain.Run) *Summary {
	s := &Summary{RunID: run.ID, Status: run.Status}

	seen := make(map[string]bool)
	for _, cp := range run.Checkpoints {
		if seen[cp.TestID] {
			continue
		}
		seen[cp.TestID] = true

		latest := run.Checkpoint(cp.TestID)
		switch latest.Status {
		case domain.CheckpointStatusPassed:
			s.Passed++
		case domain.CheckpointStatusFailed:
			s.Failed++
			s.Failures = append(s.Failures, Failure{
				TestID:    latest.TestID,
				Attempts:  latest.Attempt,
				LastError: latest.LastError,
				Artifacts: collectArtifacts(run, latest.TestID),
			})
		case domain.CheckpointStatusSkipped:
			s.Skipped++
		default:
			s.Pending++
		}
	}

	sort.Slice(s.Failures, func(i, j int) bool {
		return s.Failures[i].TestID < s.Failures[j].TestID
	})
	return s
}

// collectArtifacts returns artifacts from every attempt of the test, in
// attempt order.
func collectArtifacts(run *domain.Run, testID string) []domain.Artifact {
	var out []domain.Artifact
	for _, cp := range run.Checkpoints {
		if cp.TestID == testID {
			out = append(out, cp.Artifacts...)
		}
	}
	return out
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s (%d passed, %d failed, %d skipped", s.RunID, s.Status, s.Passed, s.Failed, s.Skipped)
	if s.Pending > 0 {
		fmt.Fprintf(&b, ", %d pending", s.Pending)
	}
	b.WriteString(")")
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "\n  FAIL %s after %d attempt(s): %s", f.TestID, f.Attempts, f.LastError)
		for _, a := range f.Artifacts {
			fmt.Fprintf(&b, "\n       %s: %s", a.Kind, a.Path)
		}
	}
	return b.String()
}
