// Package runner executes a planned run group by group. Groups run in
// dependency order; tests inside a group run concurrently up to the
// worker limit. Every outcome is checkpointed through the state manager
// before the runner moves on.
package runner

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelci/kestrel/internal/domain"
	"github.com/kestrelci/kestrel/internal/graph"
	"github.com/kestrelci/kestrel/internal/perf"
	"github.com/kestrelci/kestrel/internal/state"
)

// Result is the verdict of one execution attempt. An executor returns an
// error only when the attempt produced no verdict (infrastructure
// trouble); a failing test is a Result with status failed.
type Result struct {
	Status         domain.CheckpointStatus
	Duration       time.Duration
	Artifacts      []domain.Artifact
	FailureMessage string
}

type Executor interface {
	Execute(ctx context.Context, test domain.TestMetadata) (Result, error)
}

// AttemptPolicy retries an execution attempt against transient
// infrastructure failures, keyed by the resource the test targets.
type AttemptPolicy interface {
	Do(ctx context.Context, resource string, fn func(ctx context.Context) error) error
}

type AlertSink interface {
	PerformanceAlert(ctx context.Context, a perf.Alert)
}

// DurationStore persists duration samples so baselines survive process
// restarts. Writes are best-effort: a failed sample never fails the test.
type DurationStore interface {
	RecordDuration(ctx context.Context, runID uuid.UUID, testID string, d time.Duration, recordedAt time.Time) error
}

// MetricsSink is the subset of run metrics the orchestrator emits.
type MetricsSink interface {
	RunStarted()
	RunCompleted(status string, duration time.Duration)
	CheckpointOutcome(status string)
	TestsInFlightIncr()
	TestsInFlightDecr()
}

type noopMetrics struct{}

func (noopMetrics) RunStarted()                        {}
func (noopMetrics) RunCompleted(string, time.Duration) {}
func (noopMetrics) CheckpointOutcome(string)           {}
func (noopMetrics) TestsInFlightIncr()                 {}
func (noopMetrics) TestsInFlightDecr()                 {}

type Orchestrator struct {
	graph    *graph.Graph
	state    *state.Manager
	executor Executor
	policy   AttemptPolicy

	detector *perf.Detector // optional, nil = disabled
	alerts   AlertSink      // optional, nil = disabled
	history  DurationStore  // optional, nil = disabled
	metrics  MetricsSink

	workerLimit int
	maxAttempts int
	clock       func() time.Time
}

func NewOrchestrator(g *graph.Graph, st *state.Manager, exec Executor, policy AttemptPolicy, workerLimit int) *Orchestrator {
	if workerLimit < 1 {
		workerLimit = 1
	}
	return &Orchestrator{
		graph:       g,
		state:       st,
		executor:    exec,
		policy:      policy,
		metrics:     noopMetrics{},
		workerLimit: workerLimit,
		maxAttempts: 1,
		clock:       time.Now,
	}
}

// WithDetector enables regression detection. Alerts go to the sink when
// one is attached.
func (o *Orchestrator) WithDetector(d *perf.Detector, alerts AlertSink) *Orchestrator {
	o.detector = d
	o.alerts = alerts
	return o
}

func (o *Orchestrator) WithMetrics(sink MetricsSink) *Orchestrator {
	o.metrics = sink
	return o
}

// WithDurationStore persists each passed test's duration for baseline
// warm-up in later processes.
func (o *Orchestrator) WithDurationStore(ds DurationStore) *Orchestrator {
	o.history = ds
	return o
}

// WithMaxAttempts sets how many checkpoint attempts a failing test gets
// within one run before its failure is final.
func (o *Orchestrator) WithMaxAttempts(n int) *Orchestrator {
	if n > 0 {
		o.maxAttempts = n
	}
	return o
}

// Run executes the selected tests in dependency order and returns the
// run summary. Test failures do not abort the run; they skip dependents
// and surface in the summary. An error is returned only when the run
// itself cannot make progress (state persistence failure, cancellation).
func (o *Orchestrator) Run(ctx context.Context, selected map[string]bool) (*Summary, error) {
	groups := o.graph.PlanParallelOrder(selected)

	var planned []string
	for _, group := range groups {
		planned = append(planned, group...)
	}
	if err := o.state.Schedule(ctx, planned); err != nil {
		return nil, err
	}

	o.metrics.RunStarted()
	startedAt := o.clock()

	// blocked holds tests whose latest checkpoint failed or was skipped;
	// dependents of blocked tests are skipped, transitively.
	blocked := make(map[string]bool)
	var blockedMu sync.Mutex

	// Terminal checkpoints from a previous process feed the blocked set
	// so a resumed run still skips dependents of earlier failures.
	prior := o.state.Snapshot()
	for _, cp := range prior.Checkpoints {
		if prior.Checkpoint(cp.TestID) != cp {
			continue // superseded by a retry clone
		}
		if cp.Status == domain.CheckpointStatusFailed || cp.Status == domain.CheckpointStatusSkipped {
			blocked[cp.TestID] = true
		}
	}

	paused := false
	for gi, group := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.state.Snapshot().Status == domain.RunStatusPaused {
			log.Printf("runner: run paused, %d group(s) deferred", len(groups)-gi)
			paused = true
			break
		}

		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(o.workerLimit)

		for _, testID := range group {
			snapshot := o.state.Snapshot()
			if cp := snapshot.Checkpoint(testID); cp != nil && cp.Terminal() {
				continue // finished in a previous process
			}

			blockedMu.Lock()
			depBlocked := o.anyDependencyBlocked(testID, blocked)
			blockedMu.Unlock()
			if depBlocked {
				if err := o.state.Skip(ctx, testID, domain.SkipReasonDependencyFailed); err != nil {
					return nil, err
				}
				o.metrics.CheckpointOutcome(string(domain.CheckpointStatusSkipped))
				blockedMu.Lock()
				blocked[testID] = true
				blockedMu.Unlock()
				continue
			}

			id := testID
			eg.Go(func() error {
				ok, err := o.runTest(gctx, id)
				if err != nil {
					return err
				}
				if !ok {
					blockedMu.Lock()
					blocked[id] = true
					blockedMu.Unlock()
				}
				return nil
			})
		}

		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	// A paused run keeps its status and its pending checkpoints; Finish
	// would fold it into a terminal verdict prematurely.
	if paused {
		return Summarize(o.state.Snapshot()), nil
	}

	if err := o.state.Finish(ctx); err != nil {
		return nil, err
	}

	run := o.state.Snapshot()
	o.metrics.RunCompleted(string(run.Status), o.clock().Sub(startedAt))
	return Summarize(run), nil
}

// runTest drives one test through as many checkpoint attempts as the
// run allows. Returns ok=false when the test's final verdict is failed.
func (o *Orchestrator) runTest(ctx context.Context, testID string) (bool, error) {
	meta, found := o.graph.Metadata(testID)
	if !found {
		meta = domain.TestMetadata{ID: testID}
	}

	for {
		cp, err := o.state.Begin(ctx, testID)
		if err != nil {
			return false, err
		}
		o.metrics.TestsInFlightIncr()

		result := o.attempt(ctx, meta)

		o.metrics.TestsInFlightDecr()
		if err := o.state.Complete(ctx, testID, result.Status, result.Artifacts, result.FailureMessage); err != nil {
			return false, err
		}
		o.metrics.CheckpointOutcome(string(result.Status))

		if result.Status == domain.CheckpointStatusPassed {
			o.observe(ctx, testID, result.Duration)
			return true, nil
		}

		if cp.Attempt >= o.maxAttempts {
			return false, nil
		}
		if _, err := o.state.Retry(ctx, testID); err != nil {
			return false, err
		}
		log.Printf("runner: test=%s failed on attempt %d, retrying", testID, cp.Attempt)
	}
}

// attempt runs the executor once through the retry policy. Policy-level
// retries cover infrastructure errors only; a test verdict comes back on
// the first execution that produces one.
func (o *Orchestrator) attempt(ctx context.Context, meta domain.TestMetadata) Result {
	var result Result
	err := o.policy.Do(ctx, meta.Target, func(ctx context.Context) error {
		r, execErr := o.executor.Execute(ctx, meta)
		if execErr != nil {
			return execErr
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{
			Status:         domain.CheckpointStatusFailed,
			FailureMessage: err.Error(),
		}
	}
	return result
}

func (o *Orchestrator) observe(ctx context.Context, testID string, duration time.Duration) {
	if duration <= 0 {
		return
	}
	if o.history != nil {
		if err := o.history.RecordDuration(ctx, o.state.Snapshot().ID, testID, duration, o.clock()); err != nil {
			log.Printf("runner: record duration test=%s: %v", testID, err)
		}
	}
	if o.detector == nil {
		return
	}
	alert := o.detector.CheckRegression(testID, duration)
	o.detector.Record(testID, duration)
	if alert != nil && o.alerts != nil {
		o.alerts.PerformanceAlert(ctx, *alert)
	}
}

func (o *Orchestrator) anyDependencyBlocked(testID string, blocked map[string]bool) bool {
	for _, dep := range o.graph.Dependencies(testID) {
		if blocked[dep] {
			return true
		}
	}
	return false
}
