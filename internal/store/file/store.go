// Package file implements state.Store on the local filesystem: one JSON
// document per run, written atomically via temp file and rename. Suited to
// single-node runs and local development; the postgres store covers shared
// deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
	"github.com/kestrelci/kestrel/internal/state"
)

type Store struct {
	dir string
}

// New creates the store, making dir if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

type runDoc struct {
	ID          uuid.UUID       `json:"id"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Checkpoints []checkpointDoc `json:"checkpoints"`
}

type checkpointDoc struct {
	ID                uuid.UUID     `json:"id"`
	TestID            string        `json:"test_id"`
	Status            string        `json:"status"`
	SkipReason        string        `json:"skip_reason,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	Attempt           int           `json:"attempt"`
	PreviousAttemptID uuid.UUID     `json:"previous_attempt_id,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	CompletedAt       time.Time     `json:"completed_at,omitempty"`
	Artifacts         []artifactDoc `json:"artifacts,omitempty"`
}

type artifactDoc struct {
	Kind       string    `json:"kind"`
	Path       string    `json:"path"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Save writes the run document durably: marshal, write to a temp file in
// the same directory, fsync, rename over the target.
func (s *Store) Save(ctx context.Context, run *domain.Run) error {
	doc := encodeRun(run)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	target := s.path(run.ID)
	tmp, err := os.CreateTemp(s.dir, "run-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load reads a run document. Returns state.ErrRunNotFound when no file
// exists for the ID.
func (s *Store) Load(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, state.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read run file: %w", err)
	}

	var doc runDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode run file: %w", err)
	}
	return decodeRun(doc), nil
}

func (s *Store) path(runID uuid.UUID) string {
	return filepath.Join(s.dir, runID.String()+".json")
}

func encodeRun(run *domain.Run) runDoc {
	doc := runDoc{
		ID:        run.ID,
		Status:    string(run.Status),
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	for _, cp := range run.Checkpoints {
		cd := checkpointDoc{
			ID:                cp.ID,
			TestID:            cp.TestID,
			Status:            string(cp.Status),
			SkipReason:        cp.SkipReason,
			LastError:         cp.LastError,
			Attempt:           cp.Attempt,
			PreviousAttemptID: cp.PreviousAttemptID,
			StartedAt:         cp.StartedAt,
			CompletedAt:       cp.CompletedAt,
		}
		for _, a := range cp.Artifacts {
			cd.Artifacts = append(cd.Artifacts, artifactDoc{
				Kind:       string(a.Kind),
				Path:       a.Path,
				DurationMs: a.Duration.Milliseconds(),
				CapturedAt: a.CapturedAt,
			})
		}
		doc.Checkpoints = append(doc.Checkpoints, cd)
	}
	return doc
}

func decodeRun(doc runDoc) *domain.Run {
	run := &domain.Run{
		ID:        doc.ID,
		Status:    domain.RunStatus(doc.Status),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for _, cd := range doc.Checkpoints {
		cp := &domain.Checkpoint{
			ID:                cd.ID,
			TestID:            cd.TestID,
			Status:            domain.CheckpointStatus(cd.Status),
			SkipReason:        cd.SkipReason,
			LastError:         cd.LastError,
			Attempt:           cd.Attempt,
			PreviousAttemptID: cd.PreviousAttemptID,
			StartedAt:         cd.StartedAt,
			CompletedAt:       cd.CompletedAt,
		}
		for _, ad := range cd.Artifacts {
			cp.Artifacts = append(cp.Artifacts, domain.Artifact{
				Kind:       domain.ArtifactKind(ad.Kind),
				Path:       ad.Path,
				Duration:   time.Duration(ad.DurationMs) * time.Millisecond,
				CapturedAt: ad.CapturedAt,
			})
		}
		run.Checkpoints = append(run.Checkpoints, cp)
	}
	return run
}
