package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
	"github.com/kestrelci/kestrel/internal/state"
)

// Store implements state.Store using PostgreSQL. Each Save runs in one
// transaction, so a run and its checkpoints are flushed atomically.
// Terminal checkpoint rows carry a guard in the upsert's WHERE clause so a
// replayed Save can never regress a persisted terminal status.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save persists the run, its checkpoints and their artifacts.
func (s *Store) Save(ctx context.Context, run *domain.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, queryUpsertRun,
		run.ID,
		string(run.Status),
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for pos, cp := range run.Checkpoints {
		var prev interface{}
		if cp.PreviousAttemptID != uuid.Nil {
			prev = cp.PreviousAttemptID
		}
		_, err = tx.ExecContext(ctx, queryUpsertCheckpoint,
			cp.ID,
			run.ID,
			cp.TestID,
			pos,
			string(cp.Status),
			cp.SkipReason,
			cp.LastError,
			cp.Attempt,
			prev,
			nullTime(cp.StartedAt),
			nullTime(cp.CompletedAt),
		)
		if err != nil {
			return err
		}

		for i, a := range cp.Artifacts {
			_, err = tx.ExecContext(ctx, queryInsertArtifact,
				cp.ID,
				i,
				string(a.Kind),
				a.Path,
				a.Duration.Milliseconds(),
				a.CapturedAt,
			)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Load reads a run with its checkpoints in position order.
// Returns state.ErrRunNotFound for an unknown ID.
func (s *Store) Load(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run := &domain.Run{}
	var status string

	err := s.db.QueryRowContext(ctx, queryGetRun, runID).Scan(
		&run.ID,
		&status,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, state.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)

	checkpoints, byID, err := s.loadCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Checkpoints = checkpoints

	if err := s.loadArtifacts(ctx, runID, byID); err != nil {
		return nil, err
	}

	return run, nil
}

func (s *Store) loadCheckpoints(ctx context.Context, runID uuid.UUID) ([]*domain.Checkpoint, map[uuid.UUID]*domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, queryListCheckpoints, runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var checkpoints []*domain.Checkpoint
	byID := make(map[uuid.UUID]*domain.Checkpoint)

	for rows.Next() {
		cp := &domain.Checkpoint{}
		var status string
		var prev uuid.NullUUID
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&cp.ID,
			&cp.TestID,
			&status,
			&cp.SkipReason,
			&cp.LastError,
			&cp.Attempt,
			&prev,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, nil, err
		}
		cp.Status = domain.CheckpointStatus(status)
		if prev.Valid {
			cp.PreviousAttemptID = prev.UUID
		}
		if startedAt.Valid {
			cp.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			cp.CompletedAt = completedAt.Time
		}
		checkpoints = append(checkpoints, cp)
		byID[cp.ID] = cp
	}

	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return checkpoints, byID, nil
}

func (s *Store) loadArtifacts(ctx context.Context, runID uuid.UUID, byID map[uuid.UUID]*domain.Checkpoint) error {
	rows, err := s.db.QueryContext(ctx, queryListArtifacts, runID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var checkpointID uuid.UUID
		var kind string
		var a domain.Artifact
		var durationMs int64

		if err := rows.Scan(&checkpointID, &kind, &a.Path, &durationMs, &a.CapturedAt); err != nil {
			return err
		}
		a.Kind = domain.ArtifactKind(kind)
		a.Duration = time.Duration(durationMs) * time.Millisecond

		if cp, ok := byID[checkpointID]; ok {
			cp.Artifacts = append(cp.Artifacts, a)
		}
	}

	return rows.Err()
}

// ListInterruptedRuns returns runs still marked running whose last write is
// older than staleBefore. The reconciler resumes or fails them.
func (s *Store) ListInterruptedRuns(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, queryListInterruptedRuns, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var status string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&id, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordDuration appends a duration sample for baseline warm-up across
// process restarts.
func (s *Store) RecordDuration(ctx context.Context, runID uuid.UUID, testID string, d time.Duration, recordedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, queryInsertDurationSample, runID, testID, d.Milliseconds(), recordedAt)
	return err
}

// RecentDurations returns up to limit most recent samples for a test,
// newest first.
func (s *Store) RecentDurations(ctx context.Context, testID string, limit int) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx, queryListDurationSamples, testID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
