package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the kestrel orchestrator.
// Values are loaded from environment variables.
type Config struct {
	ManifestPath string `json:"manifest_path"`
	RepoDir      string `json:"repo_dir"`
	ArtifactDir  string `json:"artifact_dir"`

	// TestCommand is the command invoked per test; the test ID is
	// appended as the final argument.
	TestCommand []string `json:"test_command"`

	// StateStore: "file" (JSON per run) or "postgres".
	StateStore  string `json:"state_store"`
	StateDir    string `json:"state_dir"`
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	WorkerLimit int `json:"worker_limit"`
	MaxAttempts int `json:"max_attempts"`

	RetryBaseDelay    time.Duration `json:"-"`
	RetryBaseDelayStr string        `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"-"`
	RetryMaxDelayStr  string        `json:"retry_max_delay"`
	RetryJitter       bool          `json:"retry_jitter"`

	// BreakerThreshold: 0 disables the circuit breaker.
	BreakerThreshold   int           `json:"breaker_threshold"`
	BreakerCooldown    time.Duration `json:"-"`
	BreakerCooldownStr string        `json:"breaker_cooldown"`

	RegressionMultiplier float64 `json:"regression_multiplier"`
	BaselineWindow       int     `json:"baseline_window"`
	BaselineMinSamples   int     `json:"baseline_min_samples"`

	// RunSchedule is a five-field cron expression; empty disables
	// scheduled runs in serve mode.
	RunSchedule      string        `json:"run_schedule"`
	ScheduleTimezone string        `json:"schedule_timezone"`
	TickInterval     time.Duration `json:"-"`
	TickIntervalStr  string        `json:"tick_interval"`

	// ChangeRef is the git reference scheduled runs diff against.
	ChangeRef string `json:"change_ref"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`
	ReconcileInterval    time.Duration `json:"-"`

	// ReconcileThreshold: a run is considered abandoned when its last
	// state flush is older than this.
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileThreshold    time.Duration `json:"-"`

	RequestBusBufferSize int `json:"request_bus_buffer_size"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		ManifestPath:           os.Getenv("MANIFEST_PATH"),
		RepoDir:                os.Getenv("REPO_DIR"),
		ArtifactDir:            os.Getenv("ARTIFACT_DIR"),
		StateStore:             os.Getenv("STATE_STORE"),
		StateDir:               os.Getenv("STATE_DIR"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		HTTPAddr:               os.Getenv("HTTP_ADDR"),
		RetryBaseDelayStr:      os.Getenv("RETRY_BASE_DELAY"),
		RetryMaxDelayStr:       os.Getenv("RETRY_MAX_DELAY"),
		RetryJitter:            os.Getenv("RETRY_JITTER") != "false",
		BreakerCooldownStr:     os.Getenv("BREAKER_COOLDOWN"),
		RunSchedule:            os.Getenv("RUN_SCHEDULE"),
		ScheduleTimezone:       os.Getenv("SCHEDULE_TIMEZONE"),
		TickIntervalStr:        os.Getenv("TICK_INTERVAL"),
		ChangeRef:              os.Getenv("CHANGE_REF"),
		DBConnMaxLifetimeStr:   os.Getenv("DB_CONN_MAX_LIFETIME"),
		HTTPShutdownTimeoutStr: os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		MetricsEnabled:         os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:            os.Getenv("METRICS_PATH"),
		ReconcileEnabled:       os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:   os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:  os.Getenv("RECONCILE_THRESHOLD"),
	}

	if cmd := os.Getenv("TEST_COMMAND"); cmd != "" {
		cfg.TestCommand = splitCommand(cmd)
	}

	if workersStr := os.Getenv("WORKER_LIMIT"); workersStr != "" {
		if n, err := parseInt(workersStr); err == nil && n > 0 {
			cfg.WorkerLimit = n
		} else {
			log.Printf("config: invalid WORKER_LIMIT %q (must be a positive integer), using default 4", workersStr)
		}
	}
	if cfg.WorkerLimit == 0 {
		cfg.WorkerLimit = 4
	}

	if attemptsStr := os.Getenv("MAX_ATTEMPTS"); attemptsStr != "" {
		if n, err := parseInt(attemptsStr); err == nil && n > 0 {
			cfg.MaxAttempts = n
		} else {
			log.Printf("config: invalid MAX_ATTEMPTS %q (must be a positive integer), using default 3", attemptsStr)
		}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}

	if threshStr := os.Getenv("BREAKER_THRESHOLD"); threshStr != "" {
		if n, err := parseInt(threshStr); err == nil {
			cfg.BreakerThreshold = n
		} else {
			log.Printf("config: invalid BREAKER_THRESHOLD %q, using default 5", threshStr)
		}
	}
	if cfg.BreakerThreshold == 0 && os.Getenv("BREAKER_THRESHOLD") == "" {
		cfg.BreakerThreshold = 5
	}

	if multStr := os.Getenv("REGRESSION_MULTIPLIER"); multStr != "" {
		if f, err := strconv.ParseFloat(multStr, 64); err == nil && f > 0 {
			cfg.RegressionMultiplier = f
		} else {
			log.Printf("config: invalid REGRESSION_MULTIPLIER %q, using default 1.5", multStr)
		}
	}
	if cfg.RegressionMultiplier == 0 {
		cfg.RegressionMultiplier = 1.5
	}

	if windowStr := os.Getenv("BASELINE_WINDOW"); windowStr != "" {
		if n, err := parseInt(windowStr); err == nil && n > 0 {
			cfg.BaselineWindow = n
		}
	}
	if cfg.BaselineWindow == 0 {
		cfg.BaselineWindow = 20
	}

	if minStr := os.Getenv("BASELINE_MIN_SAMPLES"); minStr != "" {
		if n, err := parseInt(minStr); err == nil && n > 0 {
			cfg.BaselineMinSamples = n
		}
	}
	if cfg.BaselineMinSamples == 0 {
		cfg.BaselineMinSamples = 5
	}

	if bufStr := os.Getenv("REQUEST_BUS_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.RequestBusBufferSize = n
		} else {
			log.Printf("config: invalid REQUEST_BUS_BUFFER_SIZE %q (must be a positive integer), using default 16", bufStr)
		}
	}
	if cfg.RequestBusBufferSize == 0 {
		cfg.RequestBusBufferSize = 16
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	if cfg.StateStore == "" {
		cfg.StateStore = "file"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = ".kestrel/runs"
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "kestrel.yaml"
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = ".kestrel/artifacts"
	}
	if cfg.ScheduleTimezone == "" {
		cfg.ScheduleTimezone = "UTC"
	}
	if cfg.ChangeRef == "" {
		cfg.ChangeRef = "HEAD~1"
	}

	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.RetryBaseDelayStr == "" {
		cfg.RetryBaseDelayStr = "1s"
	}
	if cfg.RetryMaxDelayStr == "" {
		cfg.RetryMaxDelayStr = "30s"
	}
	if cfg.BreakerCooldownStr == "" {
		cfg.BreakerCooldownStr = "2m"
	}
	if cfg.TickIntervalStr == "" {
		cfg.TickIntervalStr = "30s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "5m"
	}
	if cfg.ReconcileThresholdStr == "" {
		cfg.ReconcileThresholdStr = "15m"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.RetryBaseDelayStr); err == nil {
		cfg.RetryBaseDelay = d
	}
	if d, err := time.ParseDuration(cfg.RetryMaxDelayStr); err == nil {
		cfg.RetryMaxDelay = d
	}
	if d, err := time.ParseDuration(cfg.BreakerCooldownStr); err == nil {
		cfg.BreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.TickIntervalStr); err == nil {
		cfg.TickInterval = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileIntervalStr); err == nil {
		cfg.ReconcileInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err == nil {
		cfg.ReconcileThreshold = d
	}

	return cfg
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// splitCommand splits a whitespace-separated command string.
func splitCommand(s string) []string {
	var out []string
	var cur []rune
	for _, c := range s {
		if c == ' ' || c == '\t' {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		ManifestPath         string   `json:"manifest_path"`
		RepoDir              string   `json:"repo_dir"`
		ArtifactDir          string   `json:"artifact_dir"`
		TestCommand          []string `json:"test_command"`
		StateStore           string   `json:"state_store"`
		StateDir             string   `json:"state_dir"`
		DatabaseURL          string   `json:"database_url"`
		RedisAddr            string   `json:"redis_addr,omitempty"`
		HTTPAddr             string   `json:"http_addr"`
		WorkerLimit          int      `json:"worker_limit"`
		MaxAttempts          int      `json:"max_attempts"`
		RetryBaseDelay       string   `json:"retry_base_delay"`
		RetryMaxDelay        string   `json:"retry_max_delay"`
		RetryJitter          bool     `json:"retry_jitter"`
		BreakerThreshold     int      `json:"breaker_threshold"`
		BreakerCooldown      string   `json:"breaker_cooldown"`
		RegressionMultiplier float64  `json:"regression_multiplier"`
		BaselineWindow       int      `json:"baseline_window"`
		BaselineMinSamples   int      `json:"baseline_min_samples"`
		RunSchedule          string   `json:"run_schedule"`
		ScheduleTimezone     string   `json:"schedule_timezone"`
		TickInterval         string   `json:"tick_interval"`
		ChangeRef            string   `json:"change_ref"`
		DBMaxOpenConns       int      `json:"db_max_open_conns"`
		DBMaxIdleConns       int      `json:"db_max_idle_conns"`
		DBConnMaxLifetime    string   `json:"db_conn_max_lifetime"`
		HTTPShutdownTimeout  string   `json:"http_shutdown_timeout"`
		MetricsEnabled       bool     `json:"metrics_enabled"`
		MetricsPath          string   `json:"metrics_path"`
		ReconcileEnabled     bool     `json:"reconcile_enabled"`
		ReconcileInterval    string   `json:"reconcile_interval"`
		ReconcileThreshold   string   `json:"reconcile_threshold"`
		RequestBusBufferSize int      `json:"request_bus_buffer_size"`
	}{
		ManifestPath:         c.ManifestPath,
		RepoDir:              c.RepoDir,
		ArtifactDir:          c.ArtifactDir,
		TestCommand:          c.TestCommand,
		StateStore:           c.StateStore,
		StateDir:             c.StateDir,
		DatabaseURL:          maskSecret(c.DatabaseURL),
		RedisAddr:            c.RedisAddr,
		HTTPAddr:             c.HTTPAddr,
		WorkerLimit:          c.WorkerLimit,
		MaxAttempts:          c.MaxAttempts,
		RetryBaseDelay:       c.RetryBaseDelayStr,
		RetryMaxDelay:        c.RetryMaxDelayStr,
		RetryJitter:          c.RetryJitter,
		BreakerThreshold:     c.BreakerThreshold,
		BreakerCooldown:      c.BreakerCooldownStr,
		RegressionMultiplier: c.RegressionMultiplier,
		BaselineWindow:       c.BaselineWindow,
		BaselineMinSamples:   c.BaselineMinSamples,
		RunSchedule:          c.RunSchedule,
		ScheduleTimezone:     c.ScheduleTimezone,
		TickInterval:         c.TickIntervalStr,
		ChangeRef:            c.ChangeRef,
		DBMaxOpenConns:       c.DBMaxOpenConns,
		DBMaxIdleConns:       c.DBMaxIdleConns,
		DBConnMaxLifetime:    c.DBConnMaxLifetimeStr,
		HTTPShutdownTimeout:  c.HTTPShutdownTimeoutStr,
		MetricsEnabled:       c.MetricsEnabled,
		MetricsPath:          c.MetricsPath,
		ReconcileEnabled:     c.ReconcileEnabled,
		ReconcileInterval:    c.ReconcileIntervalStr,
		ReconcileThreshold:   c.ReconcileThresholdStr,
		RequestBusBufferSize: c.RequestBusBufferSize,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
