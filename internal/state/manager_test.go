package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
	"github.com/kestrelci/kestrel/internal/testutil"
)

// memStore keeps deep copies per Save, simulating a durable store that a
// fresh Manager can reload from after a "crash".
type memStore struct {
	runs    map[uuid.UUID]*domain.Run
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[uuid.UUID]*domain.Run)}
}

func (s *memStore) Save(ctx context.Context, run *domain.Run) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	cp := *run
	cp.Checkpoints = make([]*domain.Checkpoint, len(run.Checkpoints))
	for i, c := range run.Checkpoints {
		cc := *c
		cc.Artifacts = append([]domain.Artifact(nil), c.Artifacts...)
		cp.Checkpoints[i] = &cc
	}
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) Load(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	cp.Checkpoints = make([]*domain.Checkpoint, len(run.Checkpoints))
	for i, c := range run.Checkpoints {
		cc := *c
		cp.Checkpoints[i] = &cc
	}
	return &cp, nil
}

type recordingNotifier struct {
	events []Event
}

func (n *recordingNotifier) StateChanged(ctx context.Context, e Event) {
	n.events = append(n.events, e)
}

var runID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func openManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m := NewManager(store)
	if _, err := m.OpenOrCreate(context.Background(), runID); err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	return m
}

func TestOpenOrCreate_CreatesThenLoads(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	m := NewManager(store)
	run, err := m.OpenOrCreate(ctx, runID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.Status != domain.RunStatusNotStarted {
		t.Errorf("status = %s, want not_started", run.Status)
	}

	// Second manager over the same store sees the persisted run.
	m2 := NewManager(store)
	run2, err := m2.OpenOrCreate(ctx, runID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if run2.ID != runID {
		t.Errorf("loaded run ID = %s, want %s", run2.ID, runID)
	}
}

func TestBegin_TransitionsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := openManager(t, store)

	if err := m.Schedule(ctx, []string{"login-smoke"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	savesBefore := store.saves

	cp, err := m.Begin(ctx, "login-smoke")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if cp.Status != domain.CheckpointStatusRunning {
		t.Errorf("status = %s, want running", cp.Status)
	}
	if cp.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
	if store.saves != savesBefore+1 {
		t.Errorf("Begin must flush before returning: saves = %d, want %d", store.saves, savesBefore+1)
	}

	persisted := store.runs[runID]
	if persisted.Status != domain.RunStatusRunning {
		t.Errorf("persisted run status = %s, want running", persisted.Status)
	}
}

func TestBegin_TerminalCheckpoint_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := openManager(t, newMemStore())

	if err := m.Schedule(ctx, []string{"login-smoke"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "login-smoke"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "login-smoke", domain.CheckpointStatusPassed, nil, ""); err != nil {
		t.Fatal(err)
	}

	_, err := m.Begin(ctx, "login-smoke")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestComplete_AttachesArtifacts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := openManager(t, store)

	if err := m.Schedule(ctx, []string{"checkout"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "checkout"); err != nil {
		t.Fatal(err)
	}

	art, err := domain.NewArtifact(domain.ArtifactKindScreenshot, "artifacts/checkout-1.png", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "checkout", domain.CheckpointStatusFailed, []domain.Artifact{art}, "assertion failed"); err != nil {
		t.Fatal(err)
	}

	cp := store.runs[runID].Checkpoint("checkout")
	if cp.Status != domain.CheckpointStatusFailed {
		t.Errorf("persisted status = %s, want failed", cp.Status)
	}
	if len(cp.Artifacts) != 1 || cp.Artifacts[0].Path != "artifacts/checkout-1.png" {
		t.Errorf("persisted artifacts = %+v", cp.Artifacts)
	}
	if cp.LastError != "assertion failed" {
		t.Errorf("LastError = %q", cp.LastError)
	}
}

func TestComplete_FromPending_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := openManager(t, newMemStore())

	if err := m.Schedule(ctx, []string{"checkout"}); err != nil {
		t.Fatal(err)
	}
	err := m.Complete(ctx, "checkout", domain.CheckpointStatusPassed, nil, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestResume_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := openManager(t, store)
	m.WithRetryLimit(3)

	// Build a run with checkpoints [passed, running, pending].
	if err := m.Schedule(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "a", domain.CheckpointStatusPassed, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	// Simulated restart: fresh manager over the persisted store.
	m2 := NewManager(store).WithRetryLimit(3)
	if _, err := m2.OpenOrCreate(ctx, runID); err != nil {
		t.Fatal(err)
	}

	resumed, err := m2.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if len(resumed) != 2 {
		t.Fatalf("resumed %d checkpoints, want 2", len(resumed))
	}
	// Original order: b (retry clone of the interrupted attempt) then c.
	if resumed[0].TestID != "b" || resumed[1].TestID != "c" {
		t.Fatalf("resumed order = [%s, %s], want [b, c]", resumed[0].TestID, resumed[1].TestID)
	}
	if resumed[0].Attempt != 2 {
		t.Errorf("interrupted test resumes as attempt %d, want 2", resumed[0].Attempt)
	}
	if resumed[0].Status != domain.CheckpointStatusPending {
		t.Errorf("retry clone status = %s, want pending", resumed[0].Status)
	}

	// The interrupted attempt is failed-by-interruption and stays.
	snap := m2.Snapshot()
	var firstB *domain.Checkpoint
	for _, cp := range snap.Checkpoints {
		if cp.TestID == "b" {
			firstB = cp
			break
		}
	}
	if firstB.Status != domain.CheckpointStatusFailed {
		t.Errorf("interrupted attempt status = %s, want failed", firstB.Status)
	}

	// A second resume returns the same work and never re-emits "a".
	again, err := m2.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 {
		t.Fatalf("second resume returned %d checkpoints, want 2", len(again))
	}
	for _, cp := range again {
		if cp.TestID == "a" {
			t.Fatal("resume must never re-emit a passed checkpoint")
		}
	}
}

func TestResume_InterruptedAtRetryLimit_StaysFailed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := openManager(t, store)

	if err := m.Schedule(ctx, []string{"flaky"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "flaky"); err != nil {
		t.Fatal(err)
	}

	// Default retry limit is 1: no clone for attempt 1.
	m2 := NewManager(store)
	if _, err := m2.OpenOrCreate(ctx, runID); err != nil {
		t.Fatal(err)
	}
	resumed, err := m2.Resume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 0 {
		t.Fatalf("resumed %d checkpoints, want 0", len(resumed))
	}
	if got := m2.Snapshot().Checkpoint("flaky").Status; got != domain.CheckpointStatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestRetry_ClonesWithLink(t *testing.T) {
	ctx := context.Background()
	m := openManager(t, newMemStore()).WithRetryLimit(2)

	if err := m.Schedule(ctx, []string{"flaky"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "flaky"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "flaky", domain.CheckpointStatusFailed, nil, "timeout"); err != nil {
		t.Fatal(err)
	}

	first := m.Snapshot().Checkpoint("flaky")
	clone, err := m.Retry(ctx, "flaky")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if clone.Attempt != 2 || clone.PreviousAttemptID != first.ID {
		t.Errorf("clone = attempt %d prev %s, want attempt 2 prev %s", clone.Attempt, clone.PreviousAttemptID, first.ID)
	}

	// Limit reached: a second retry is refused.
	if _, err := m.Begin(ctx, "flaky"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "flaky", domain.CheckpointStatusFailed, nil, "timeout"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Retry(ctx, "flaky"); err == nil {
		t.Fatal("expected retry limit error")
	}
}

func TestRetry_NonTerminal_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := openManager(t, newMemStore()).WithRetryLimit(3)

	if err := m.Schedule(ctx, []string{"flaky"}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Retry(ctx, "flaky")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPersistenceFailure_SurfacesAsPersistenceError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := openManager(t, store)

	if err := m.Schedule(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}

	store.saveErr = errors.New("disk full")
	_, err := m.Begin(ctx, "a")

	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if pErr.RunID != runID {
		t.Errorf("RunID = %s, want %s", pErr.RunID, runID)
	}
	if !errors.Is(err, store.saveErr) {
		t.Error("PersistenceError must unwrap to the store error")
	}
}

func TestPause_StopsNewWorkMarkerOnly(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := openManager(t, store)

	if err := m.Schedule(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	if snap.Status != domain.RunStatusPaused {
		t.Errorf("run status = %s, want paused", snap.Status)
	}
	// The in-flight checkpoint may still finish naturally.
	if err := m.Complete(ctx, "a", domain.CheckpointStatusPassed, nil, ""); err != nil {
		t.Fatalf("in-flight checkpoint must be allowed to finish: %v", err)
	}
}

func TestFinish_RunStatusFromOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("all passed", func(t *testing.T) {
		m := openManager(t, newMemStore())
		if err := m.Schedule(ctx, []string{"a"}); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Begin(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		if err := m.Complete(ctx, "a", domain.CheckpointStatusPassed, nil, ""); err != nil {
			t.Fatal(err)
		}
		if err := m.Finish(ctx); err != nil {
			t.Fatal(err)
		}
		if got := m.Snapshot().Status; got != domain.RunStatusCompleted {
			t.Errorf("status = %s, want completed", got)
		}
	})

	t.Run("one failed", func(t *testing.T) {
		m := openManager(t, newMemStore())
		if err := m.Schedule(ctx, []string{"a"}); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Begin(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		if err := m.Complete(ctx, "a", domain.CheckpointStatusFailed, nil, "boom"); err != nil {
			t.Fatal(err)
		}
		if err := m.Finish(ctx); err != nil {
			t.Fatal(err)
		}
		if got := m.Snapshot().Status; got != domain.RunStatusFailed {
			t.Errorf("status = %s, want failed", got)
		}
	})
}

func TestNotifier_ReceivesTransitions(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	m := NewManager(newMemStore()).WithNotifier(n)
	if _, err := m.OpenOrCreate(ctx, runID); err != nil {
		t.Fatal(err)
	}
	if err := m.Schedule(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Begin(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete(ctx, "a", domain.CheckpointStatusPassed, nil, ""); err != nil {
		t.Fatal(err)
	}

	if len(n.events) != 2 {
		t.Fatalf("events = %d, want 2", len(n.events))
	}
	if n.events[0].CheckpointStatus != domain.CheckpointStatusRunning {
		t.Errorf("first event = %s, want running", n.events[0].CheckpointStatus)
	}
	if n.events[1].CheckpointStatus != domain.CheckpointStatusPassed {
		t.Errorf("second event = %s, want passed", n.events[1].CheckpointStatus)
	}
}

func TestClockInjection(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(newMemStore())
	m.clock = clk.Now
	if _, err := m.OpenOrCreate(ctx, runID); err != nil {
		t.Fatal(err)
	}
	if err := m.Schedule(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	cp, err := m.Begin(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !cp.StartedAt.Equal(clk.Now()) {
		t.Errorf("StartedAt = %s, want %s", cp.StartedAt, clk.Now())
	}
}
