package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		ManifestPath:         "kestrel.yaml",
		StateStore:           "file",
		StateDir:             ".kestrel/runs",
		RegressionMultiplier: 1.5,
		TickIntervalStr:      "30s",
		RetryBaseDelay:       time.Second,
		RetryMaxDelay:        30 * time.Second,
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Validate returned error for valid config: %v", err)
	}
}

func TestValidate_PostgresRequiresDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.StateStore = "postgres"
	cfg.DatabaseURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate should fail when postgres store has no DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should name DATABASE_URL, got: %v", err)
	}
}

func TestValidate_UnknownStateStore(t *testing.T) {
	cfg := validConfig()
	cfg.StateStore = "etcd"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate should reject unknown state store")
	}
	if !strings.Contains(err.Error(), "STATE_STORE") {
		t.Errorf("error should name STATE_STORE, got: %v", err)
	}
}

func TestValidate_RegressionMultiplierBounds(t *testing.T) {
	cfg := validConfig()
	cfg.RegressionMultiplier = 1.0

	if err := Validate(cfg); err == nil {
		t.Error("Validate should reject multiplier <= 1.0")
	}
}

func TestValidate_BaseDelayExceedsMax(t *testing.T) {
	cfg := validConfig()
	cfg.RetryBaseDelayStr = "1m"
	cfg.RetryBaseDelay = time.Minute
	cfg.RetryMaxDelayStr = "10s"
	cfg.RetryMaxDelay = 10 * time.Second

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate should reject base delay above max delay")
	}
	if !strings.Contains(err.Error(), "RETRY_BASE_DELAY") {
		t.Errorf("error should name RETRY_BASE_DELAY, got: %v", err)
	}
}

func TestValidate_InvalidTickInterval(t *testing.T) {
	cfg := validConfig()
	cfg.TickIntervalStr = "soon"

	if err := Validate(cfg); err == nil {
		t.Error("Validate should reject unparseable tick interval")
	}
}

func TestValidate_UnknownScheduleTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.RunSchedule = "0 * * * *"
	cfg.ScheduleTimezone = "Mars/Olympus"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate should reject unknown timezone")
	}
	if !strings.Contains(err.Error(), "SCHEDULE_TIMEZONE") {
		t.Errorf("error should name SCHEDULE_TIMEZONE, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.StateStore = "etcd"
	cfg.ManifestPath = ""
	cfg.RegressionMultiplier = 0.5

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate should fail")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(verrs), verrs)
	}
}

func TestValidationError_Format(t *testing.T) {
	e := ValidationError{Field: "WORKER_LIMIT", Message: "must be positive"}
	if got := e.Error(); got != "WORKER_LIMIT: must be positive" {
		t.Errorf("Error() = %q", got)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	errs := ValidationErrors{
		{Field: "A", Message: "one"},
		{Field: "B", Message: "two"},
	}
	got := errs.Error()
	if !strings.Contains(got, "2 validation errors:") {
		t.Errorf("Error() = %q, want count prefix", got)
	}
	if !strings.Contains(got, "A: one") || !strings.Contains(got, "B: two") {
		t.Errorf("Error() = %q, want both entries", got)
	}
}
