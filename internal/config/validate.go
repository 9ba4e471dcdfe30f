package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.StateStore != "file" && cfg.StateStore != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "STATE_STORE",
			Message: fmt.Sprintf("must be 'file' or 'postgres', got %q", cfg.StateStore),
		})
	}

	// DATABASE_URL is required for the postgres store
	if cfg.StateStore == "postgres" && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required when STATE_STORE is 'postgres'",
		})
	}

	if cfg.ManifestPath == "" {
		errs = append(errs, ValidationError{
			Field:   "MANIFEST_PATH",
			Message: "required",
		})
	}

	if cfg.RegressionMultiplier <= 1.0 {
		errs = append(errs, ValidationError{
			Field:   "REGRESSION_MULTIPLIER",
			Message: fmt.Sprintf("must be greater than 1.0, got %g", cfg.RegressionMultiplier),
		})
	}

	// TICK_INTERVAL must be a valid positive duration
	if cfg.TickIntervalStr != "" {
		d, err := time.ParseDuration(cfg.TickIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	if cfg.RetryMaxDelay > 0 && cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		errs = append(errs, ValidationError{
			Field:   "RETRY_BASE_DELAY",
			Message: fmt.Sprintf("must not exceed RETRY_MAX_DELAY (%s > %s)", cfg.RetryBaseDelayStr, cfg.RetryMaxDelayStr),
		})
	}

	// RUN_SCHEDULE is parsed at trigger startup; only shape-check here.
	if cfg.RunSchedule != "" && cfg.ScheduleTimezone != "" {
		if _, err := time.LoadLocation(cfg.ScheduleTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "SCHEDULE_TIMEZONE",
				Message: fmt.Sprintf("unknown timezone: %v", err),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
