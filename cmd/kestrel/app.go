package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelci/kestrel/internal/breaker"
	"github.com/kestrelci/kestrel/internal/changes"
	"github.com/kestrelci/kestrel/internal/config"
	"github.com/kestrelci/kestrel/internal/executor"
	"github.com/kestrelci/kestrel/internal/graph"
	"github.com/kestrelci/kestrel/internal/manifest"
	"github.com/kestrelci/kestrel/internal/metrics"
	"github.com/kestrelci/kestrel/internal/notify"
	"github.com/kestrelci/kestrel/internal/perf"
	"github.com/kestrelci/kestrel/internal/retry"
	"github.com/kestrelci/kestrel/internal/runner"
	"github.com/kestrelci/kestrel/internal/state"
	filestore "github.com/kestrelci/kestrel/internal/store/file"
	"github.com/kestrelci/kestrel/internal/store/postgres"

	_ "github.com/lib/pq"
)

// app holds the components shared by every command that executes runs.
// The detector is process-scoped: baselines accumulate across runs, which
// is what makes regression alerts possible in serve mode at all.
type app struct {
	cfg      config.Config
	graph    *graph.Graph
	store    state.Store
	db       *sql.DB         // nil unless the postgres store is configured
	history  *postgres.Store // nil unless the postgres store is configured
	detector *perf.Detector
	sink     notify.Fanout
	metrics  metrics.Sink
}

// newApp loads configuration, the test manifest, and the state store.
// The caller owns closing via app.Close.
func newApp() (*app, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return nil, &configError{err}
	}

	tests, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", cfg.ManifestPath, err)
	}
	g, err := graph.Build(tests)
	if err != nil {
		return nil, fmt.Errorf("build dependency graph: %w", err)
	}

	a := &app{
		cfg:     cfg,
		graph:   g,
		metrics: metrics.Noop{},
		sink:    notify.Fanout{notify.LogSink{}},
	}

	a.detector = perf.NewDetector(cfg.BaselineWindow, cfg.BaselineMinSamples, cfg.RegressionMultiplier)

	switch cfg.StateStore {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		pg := postgres.New(db)
		a.store = pg
		a.history = pg
		a.seedBaselines(context.Background())
	default:
		fs, err := filestore.New(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("open state dir %s: %w", cfg.StateDir, err)
		}
		a.store = fs
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.sink = append(a.sink, notify.NewRedisSink(client))
		log.Printf("kestrel: event publishing enabled (redis=%s)", cfg.RedisAddr)
	}

	return a, nil
}

// seedBaselines warms the detector from persisted duration history, so a
// restarted process can alert without re-accumulating the sample floor.
// Best-effort: a failed read just leaves that test's baseline cold.
func (a *app) seedBaselines(ctx context.Context) {
	for _, tm := range a.graph.Tests() {
		durs, err := a.history.RecentDurations(ctx, tm.ID, a.cfg.BaselineWindow)
		if err != nil {
			log.Printf("kestrel: load duration history for %s: %v", tm.ID, err)
			continue
		}
		// Newest first in storage; replay oldest first so the rolling
		// window ends on the most recent samples.
		for i := len(durs) - 1; i >= 0; i-- {
			a.detector.Record(tm.ID, durs[i])
		}
	}
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// configError distinguishes bad configuration from runtime failures for
// exit codes.
type configError struct{ err error }

func (e *configError) Error() string { return "configuration error: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// executeRun drives one run to completion (or pause) and returns its
// summary. Resume is called first so interrupted checkpoints from a
// previous process are converted before scheduling resumes.
func (a *app) executeRun(ctx context.Context, runID uuid.UUID, selected map[string]bool) (*runner.Summary, error) {
	mgr := state.NewManager(a.store).
		WithNotifier(a.sink).
		WithRetryLimit(a.cfg.MaxAttempts)

	if _, err := mgr.OpenOrCreate(ctx, runID); err != nil {
		return nil, err
	}
	if _, err := mgr.Resume(ctx); err != nil {
		return nil, err
	}

	// A nil selection means "whatever this run already scheduled": the
	// resume path replays the original plan rather than re-selecting
	// against a working tree that may have moved on.
	if selected == nil {
		selected = make(map[string]bool)
		for _, cp := range mgr.Snapshot().Checkpoints {
			selected[cp.TestID] = true
		}
	}

	policy := retry.New(a.cfg.MaxAttempts, a.cfg.RetryBaseDelay, a.cfg.RetryMaxDelay).
		WithMetrics(a.metrics)
	if a.cfg.RetryJitter {
		policy = policy.WithJitter()
	}
	if a.cfg.BreakerThreshold > 0 {
		cb := breaker.New(a.cfg.BreakerThreshold, a.cfg.BreakerCooldown).
			WithMetrics(a.metrics)
		policy = policy.WithBreaker(cb)
	}

	exec := executor.NewCommandExecutor(a.cfg.TestCommand, a.cfg.RepoDir, a.cfg.ArtifactDir)

	orch := runner.NewOrchestrator(a.graph, mgr, exec, policy, a.cfg.WorkerLimit).
		WithDetector(a.detector, a.sink).
		WithMaxAttempts(a.cfg.MaxAttempts).
		WithMetrics(a.metrics)
	if a.history != nil {
		orch = orch.WithDurationStore(a.history)
	}

	return orch.Run(ctx, selected)
}

// selectTests resolves the test selection for a run: everything when all
// is set, otherwise the affected set for the changed paths.
func (a *app) selectTests(ctx context.Context, all bool, changedPaths []string, sinceRef string) (map[string]bool, error) {
	if all {
		selected := make(map[string]bool)
		for _, tm := range a.graph.Tests() {
			selected[tm.ID] = true
		}
		return selected, nil
	}

	paths := changedPaths
	if len(paths) == 0 {
		src := changes.NewGitSource(a.cfg.RepoDir)
		if sinceRef == "" {
			sinceRef = a.cfg.ChangeRef
		}
		discovered, err := src.ChangedPaths(ctx, sinceRef)
		if err != nil {
			return nil, err
		}
		paths = discovered
		log.Printf("kestrel: %d changed path(s) since %s", len(paths), sinceRef)
	}

	return a.graph.SelectAffected(paths), nil
}
