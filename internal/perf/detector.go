package perf

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultWindow bounds the trailing sample window per test.
	DefaultWindow = 20
	// DefaultMinSamples must be recorded before a baseline is defined.
	DefaultMinSamples = 5
	// DefaultMultiplier flags a regression when a duration exceeds
	// baseline * multiplier.
	DefaultMultiplier = 1.5
	// trimFraction of samples dropped from each end before averaging, so a
	// single anomalous run cannot skew the baseline.
	trimFraction = 0.2
)

// Alert reports a single execution that exceeded the regression threshold.
type Alert struct {
	TestID     string
	Duration   time.Duration
	Baseline   time.Duration
	Multiplier float64
	RaisedAt   time.Time
}

// MetricsSink records detector activity. Methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	TestDurationObserved(testID string, d time.Duration)
	RegressionAlert(testID string)
}

// Detector maintains rolling execution-time baselines per test and flags
// regressions. Safe for concurrent use by run workers.
type Detector struct {
	mu         sync.Mutex
	samples    map[string][]time.Duration
	window     int
	minSamples int
	multiplier float64
	metrics    MetricsSink // optional, nil = disabled
	clock      func() time.Time
}

func NewDetector(window, minSamples int, multiplier float64) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	return &Detector{
		samples:    make(map[string][]time.Duration),
		window:     window,
		minSamples: minSamples,
		multiplier: multiplier,
		clock:      time.Now,
	}
}

// WithMetrics attaches a metrics sink to the detector.
func (d *Detector) WithMetrics(sink MetricsSink) *Detector {
	d.metrics = sink
	return d
}

// Record adds an observed duration to the test's trailing window, evicting
// the oldest sample once the window is full.
func (d *Detector) Record(testID string, duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := append(d.samples[testID], duration)
	if len(s) > d.window {
		s = s[len(s)-d.window:]
	}
	d.samples[testID] = s

	if d.metrics != nil {
		d.metrics.TestDurationObserved(testID, duration)
	}
}

// Baseline returns the trimmed-mean baseline for the test. The second
// return is false until the minimum sample count has been recorded.
func (d *Detector) Baseline(testID string) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baselineLocked(testID)
}

func (d *Detector) baselineLocked(testID string) (time.Duration, bool) {
	s := d.samples[testID]
	if len(s) < d.minSamples {
		return 0, false
	}

	sorted := make([]time.Duration, len(s))
	copy(sorted, s)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	trim := int(float64(len(sorted)) * trimFraction)
	trimmed := sorted[trim : len(sorted)-trim]

	var sum time.Duration
	for _, v := range trimmed {
		sum += v
	}
	return sum / time.Duration(len(trimmed)), true
}

// CheckRegression compares a new duration against the baseline and returns
// an alert when it exceeds baseline * multiplier. Nil when no baseline is
// established yet or the duration is within bounds. The duration is not
// recorded; callers Record separately so a regressed run still feeds the
// window.
func (d *Detector) CheckRegression(testID string, duration time.Duration) *Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, ok := d.baselineLocked(testID)
	if !ok {
		return nil
	}
	threshold := time.Duration(float64(baseline) * d.multiplier)
	if duration <= threshold {
		return nil
	}

	if d.metrics != nil {
		d.metrics.RegressionAlert(testID)
	}
	return &Alert{
		TestID:     testID,
		Duration:   duration,
		Baseline:   baseline,
		Multiplier: d.multiplier,
		RaisedAt:   d.clock(),
	}
}
