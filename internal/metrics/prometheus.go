package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Run metrics
	runsStartedTotal   prometheus.Counter
	runsCompletedTotal *prometheus.CounterVec
	runDuration        prometheus.Histogram
	checkpointsTotal   *prometheus.CounterVec
	testsInFlight      prometheus.Gauge

	// Resilience metrics
	retryAttemptsTotal      *prometheus.CounterVec
	breakerTransitionsTotal *prometheus.CounterVec
	breakerRejectedTotal    *prometheus.CounterVec

	// Performance metrics
	testDuration          prometheus.Histogram
	regressionAlertsTotal *prometheus.CounterVec

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec

	// Request bus metrics
	busSize            prometheus.Gauge
	busCapacity        prometheus.Gauge
	busSaturation      prometheus.Gauge
	busEmitErrorsTotal prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// Metrics that fail to register are logged and become silent no-ops at
// observation time only if nil; in practice duplicate registration is the
// only failure and the first registration keeps working.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRunMetrics(reg)
	s.initResilienceMetrics(reg)
	s.initPerformanceMetrics(reg)
	s.initLeaderMetrics(reg)
	s.initBusMetrics(reg)
	return s
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_runs_started_total",
		Help: "Total number of test runs started.",
	})
	s.runsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_runs_completed_total",
		Help: "Total number of test runs finished, by final status.",
	}, []string{"status"})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_run_duration_seconds",
		Help:    "Wall-clock duration of whole runs in seconds.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})
	s.checkpointsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_checkpoints_total",
		Help: "Total number of checkpoint outcomes, by terminal status.",
	}, []string{"status"})
	s.testsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_tests_in_flight",
		Help: "Number of tests currently executing.",
	})

	s.register(reg, s.runsStartedTotal, "kestrel_runs_started_total")
	s.register(reg, s.runsCompletedTotal, "kestrel_runs_completed_total")
	s.register(reg, s.runDuration, "kestrel_run_duration_seconds")
	s.register(reg, s.checkpointsTotal, "kestrel_checkpoints_total")
	s.register(reg, s.testsInFlight, "kestrel_tests_in_flight")
}

func (s *PrometheusSink) initResilienceMetrics(reg prometheus.Registerer) {
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})
	s.breakerTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions.",
	}, []string{"resource", "from", "to"})
	s.breakerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_breaker_rejected_total",
		Help: "Total number of calls rejected by an open circuit.",
	}, []string{"resource"})

	s.register(reg, s.retryAttemptsTotal, "kestrel_retry_attempts_total")
	s.register(reg, s.breakerTransitionsTotal, "kestrel_breaker_transitions_total")
	s.register(reg, s.breakerRejectedTotal, "kestrel_breaker_rejected_total")
}

func (s *PrometheusSink) initPerformanceMetrics(reg prometheus.Registerer) {
	s.testDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_test_duration_seconds",
		Help:    "Individual test execution time in seconds (excludes backoff wait).",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
	s.regressionAlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_regression_alerts_total",
		Help: "Total number of performance regression alerts raised.",
	}, []string{"test_id"})

	s.register(reg, s.testDuration, "kestrel_test_duration_seconds")
	s.register(reg, s.regressionAlertsTotal, "kestrel_regression_alerts_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_leader_status",
		Help: "1 when this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_leader_lost_total",
		Help: "Total number of times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "kestrel_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "kestrel_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "kestrel_leader_lost_total")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.busSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_request_bus_size",
		Help: "Number of run requests currently buffered.",
	})
	s.busCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_request_bus_capacity",
		Help: "Configured capacity of the run request buffer.",
	})
	s.busSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_request_bus_saturation_ratio",
		Help: "Buffered requests divided by capacity, 0 to 1.",
	})
	s.busEmitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_request_bus_emit_errors_total",
		Help: "Total number of run requests dropped because the buffer was full.",
	})

	s.register(reg, s.busSize, "kestrel_request_bus_size")
	s.register(reg, s.busCapacity, "kestrel_request_bus_capacity")
	s.register(reg, s.busSaturation, "kestrel_request_bus_saturation_ratio")
	s.register(reg, s.busEmitErrorsTotal, "kestrel_request_bus_emit_errors_total")
}

// register attempts to register a collector, logging any errors without
// propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Run metrics implementation

func (s *PrometheusSink) RunStarted() {
	s.runsStartedTotal.Inc()
}

func (s *PrometheusSink) RunCompleted(status string, duration time.Duration) {
	s.runsCompletedTotal.WithLabelValues(status).Inc()
	s.runDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) CheckpointOutcome(status string) {
	s.checkpointsTotal.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) TestsInFlightIncr() {
	s.testsInFlight.Inc()
}

func (s *PrometheusSink) TestsInFlightDecr() {
	s.testsInFlight.Dec()
}

// Resilience metrics implementation

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	s.retryAttemptsTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) BreakerTransition(resource, from, to string) {
	s.breakerTransitionsTotal.WithLabelValues(resource, from, to).Inc()
}

func (s *PrometheusSink) BreakerRejected(resource string) {
	s.breakerRejectedTotal.WithLabelValues(resource).Inc()
}

// Performance metrics implementation

func (s *PrometheusSink) TestDurationObserved(testID string, d time.Duration) {
	s.testDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) RegressionAlert(testID string) {
	s.regressionAlertsTotal.WithLabelValues(testID).Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

// Request bus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.busSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.busCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(ratio float64) {
	s.busSaturation.Set(ratio)
}

func (s *PrometheusSink) EmitError() {
	s.busEmitErrorsTotal.Inc()
}
