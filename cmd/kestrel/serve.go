package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kestrelci/kestrel/internal/api"
	"github.com/kestrelci/kestrel/internal/domain"
	"github.com/kestrelci/kestrel/internal/leaderelection"
	"github.com/kestrelci/kestrel/internal/metrics"
	"github.com/kestrelci/kestrel/internal/reconciler"
	"github.com/kestrelci/kestrel/internal/store/postgres"
	"github.com/kestrelci/kestrel/internal/transport/channel"
	"github.com/kestrelci/kestrel/internal/trigger"
)

// leaderLockKey identifies the advisory lock shared by all instances
// pointed at the same database. Changing it orphans any deployed fleet.
const leaderLockKey int64 = 0x6b65737472656c // "kestrel"

const (
	leaderRetryInterval     = 15 * time.Second
	leaderHeartbeatInterval = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator as a long-lived service",
		Long: `Starts the HTTP API, executes run requests from the internal bus,
and, when this instance is the leader, fires scheduled runs and
resubmits abandoned ones. Leader election requires the postgres state
store; with the file store this instance assumes it is alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return serve(cmd.Context(), app)
		},
	}
}

func serve(parent context.Context, app *app) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := app.cfg

	var busOpts []channel.Option
	var promSink *metrics.PrometheusSink
	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		promSink = metrics.NewPrometheusSink(reg)
		app.metrics = promSink
		app.detector.WithMetrics(promSink)
		busOpts = append(busOpts, channel.WithMetrics(promSink))
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Printf("serve: metrics exposed on %s", cfg.MetricsPath)
	}

	bus := channel.NewRequestBus(cfg.RequestBusBufferSize, busOpts...)

	// The cron is built up front so a bad expression fails startup, not
	// election.
	var cron *trigger.Cron
	if cfg.RunSchedule != "" {
		var err error
		cron, err = trigger.NewCron(trigger.Config{
			Expression:   cfg.RunSchedule,
			Timezone:     cfg.ScheduleTimezone,
			TickInterval: cfg.TickInterval,
			SinceRef:     cfg.ChangeRef,
		}, bus)
		if err != nil {
			return &configError{err}
		}
	}

	handler := api.NewHandler(app.store, bus)
	if app.db != nil {
		handler = handler.WithHealthChecker(app.db)
	}
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("serve: http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Run execution loop: one run at a time, parallelism lives inside a run.
	var runnerWG sync.WaitGroup
	runnerWG.Add(1)
	go func() {
		defer runnerWG.Done()
		seen := newSeenKeys(seenKeyLimit)
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-bus.Channel():
				app.handleRequest(ctx, req, seen)
			}
		}
	}()

	// Leader duties: scheduled runs and abandoned-run recovery.
	var dutiesWG sync.WaitGroup
	startDuties := func(dutyCtx context.Context) {
		if cron != nil {
			dutiesWG.Add(1)
			go func() {
				defer dutiesWG.Done()
				cron.Run(dutyCtx)
			}()
		}

		if cfg.ReconcileEnabled && app.db != nil {
			rec := reconciler.New(reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: reconciler.DefaultConfig().BatchSize,
			}, postgres.New(app.db), bus)
			dutiesWG.Add(1)
			go func() {
				defer dutiesWG.Done()
				rec.Run(dutyCtx)
			}()
		}
	}

	if app.db != nil {
		elector := leaderelection.New(
			app.db,
			leaderLockKey,
			leaderRetryInterval,
			leaderHeartbeatInterval,
			startDuties,
			dutiesWG.Wait,
		)
		if promSink != nil {
			elector = elector.WithMetrics(promSink)
		}
		go elector.Run(ctx)
	} else {
		// File store: no shared database, so no contention to arbitrate.
		startDuties(ctx)
	}

	select {
	case err := <-serverErr:
		stop()
		runnerWG.Wait()
		dutiesWG.Wait()
		return err
	case <-ctx.Done():
	}

	log.Println("serve: shutting down")

	// Duties and the run loop observe ctx; the in-flight run checkpoints
	// its interruption and is recoverable via resume.
	dutiesWG.Wait()
	runnerWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: http shutdown: %v", err)
	}

	log.Println("serve: stopped")
	return nil
}

// seenKeyLimit bounds the dedup window. At one scheduled run a minute
// this covers several days, far past any schedule catch-up horizon.
const seenKeyLimit = 4096

// seenKeys remembers recently executed idempotency keys with a bounded
// footprint. Not safe for concurrent use; the run loop is the only caller.
type seenKeys struct {
	limit int
	keys  map[string]bool
	order []string
}

func newSeenKeys(limit int) *seenKeys {
	return &seenKeys{limit: limit, keys: make(map[string]bool)}
}

// Seen reports whether key was already recorded, recording it if not.
// The oldest key is evicted once the limit is reached.
func (s *seenKeys) Seen(key string) bool {
	if s.keys[key] {
		return true
	}
	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
	s.keys[key] = true
	s.order = append(s.order, key)
	return false
}

// handleRequest executes one run request. Scheduled requests carry an
// idempotency key; a key already seen by this process is dropped so a
// leader flap cannot double-fire a slot.
func (a *app) handleRequest(ctx context.Context, req domain.RunRequest, seen *seenKeys) {
	if req.IdempotencyKey != "" && seen.Seen(req.IdempotencyKey) {
		log.Printf("serve: dropping duplicate request for run %s (key=%s)", req.RunID, req.IdempotencyKey)
		return
	}

	var selected map[string]bool
	switch req.Reason {
	case domain.RunReasonResume:
		// nil selection replays the run's original plan.
	default:
		var err error
		selected, err = a.selectTests(ctx, req.SinceRef == "", nil, req.SinceRef)
		if err != nil {
			log.Printf("serve: run %s: select tests: %v", req.RunID, err)
			return
		}
		if len(selected) == 0 {
			log.Printf("serve: run %s: no tests affected, skipping", req.RunID)
			return
		}
	}

	log.Printf("serve: starting run %s (reason=%s)", req.RunID, req.Reason)
	summary, err := a.executeRun(ctx, req.RunID, selected)
	if err != nil {
		log.Printf("serve: run %s: %v", req.RunID, err)
		return
	}
	log.Println(summary.String())
}
