package postgres

const queryUpsertRun = `
INSERT INTO runs (id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at
`

const queryUpsertCheckpoint = `
INSERT INTO checkpoints (id, run_id, test_id, position, status, skip_reason, last_error,
    attempt, previous_attempt_id, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    skip_reason = EXCLUDED.skip_reason,
    last_error = EXCLUDED.last_error,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at
WHERE checkpoints.status NOT IN ('passed', 'failed', 'skipped')
`

const queryInsertArtifact = `
INSERT INTO artifacts (checkpoint_id, position, kind, path, duration_ms, captured_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (checkpoint_id, position) DO NOTHING
`

const queryGetRun = `
SELECT id, status, created_at, updated_at
FROM runs
WHERE id = $1
`

const queryListCheckpoints = `
SELECT id, test_id, status, skip_reason, last_error,
       attempt, previous_attempt_id, started_at, completed_at
FROM checkpoints
WHERE run_id = $1
ORDER BY position ASC
`

const queryListArtifacts = `
SELECT a.checkpoint_id, a.kind, a.path, a.duration_ms, a.captured_at
FROM artifacts a
JOIN checkpoints c ON a.checkpoint_id = c.id
WHERE c.run_id = $1
ORDER BY a.checkpoint_id, a.position ASC
`

const queryListInterruptedRuns = `
SELECT id, status, created_at, updated_at
FROM runs
WHERE status = 'running'
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryInsertDurationSample = `
INSERT INTO duration_samples (run_id, test_id, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4)
`

const queryListDurationSamples = `
SELECT duration_ms
FROM duration_samples
WHERE test_id = $1
ORDER BY recorded_at DESC
LIMIT $2
`
