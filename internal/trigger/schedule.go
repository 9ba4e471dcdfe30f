package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next fire time after a given instant, in the
// schedule's own timezone.
type Schedule interface {
	Next(after time.Time) time.Time
}

// ParseSchedule parses a five-field cron expression anchored to the
// given timezone.
func ParseSchedule(expression, timezone string) (Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
