// Package trigger fires run requests on a cron schedule. Each tick
// catches up on every due fire time since the previous tick, so a slow
// tick never silently drops a scheduled run.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelci/kestrel/internal/domain"
)

type Emitter interface {
	Emit(ctx context.Context, req domain.RunRequest) error
}

type Config struct {
	// Expression is a five-field cron spec for scheduled runs.
	Expression string
	Timezone   string

	TickInterval time.Duration

	// SinceRef is the change reference scheduled runs diff against when
	// selecting affected tests. Empty selects everything.
	SinceRef string
}

type Cron struct {
	config   Config
	sched    Schedule
	emitter  Emitter
	clock    func() time.Time
	lastTick time.Time
}

func NewCron(config Config, emitter Emitter) (*Cron, error) {
	tz := config.Timezone
	if tz == "" {
		tz = "UTC"
	}
	sched, err := ParseSchedule(config.Expression, tz)
	if err != nil {
		return nil, fmt.Errorf("trigger: schedule %q: %w", config.Expression, err)
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Minute
	}
	return &Cron{
		config:  config,
		sched:   sched,
		emitter: emitter,
		clock:   time.Now,
	}, nil
}

func (c *Cron) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	log.Printf("trigger: started, schedule=%q tick=%s", c.config.Expression, c.config.TickInterval)
	c.lastTick = c.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			log.Println("trigger: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := c.processTick(ctx); err != nil {
				log.Printf("trigger: tick error: %v", err)
			}
		}
	}
}

func (c *Cron) processTick(ctx context.Context) error {
	now := c.clock().UTC()

	// Walk every due time between the last tick and now. lastTick only
	// advances past slots that actually emitted, so a full bus retries
	// the same slot on the next tick instead of dropping it.
	const maxIterations = 1000
	t := c.sched.Next(c.lastTick)

	for i := 0; i < maxIterations && !t.After(now); i++ {
		scheduledAt := t.UTC().Truncate(time.Minute)
		if err := c.emitRequest(ctx, scheduledAt, now); err != nil {
			return err
		}
		c.lastTick = t
		t = c.sched.Next(t)
	}
	c.lastTick = now
	return nil
}

func (c *Cron) emitRequest(ctx context.Context, scheduledAt, now time.Time) error {
	req := domain.RunRequest{
		RunID:          uuid.New(),
		Reason:         domain.RunReasonScheduled,
		SinceRef:       c.config.SinceRef,
		ScheduledAt:    scheduledAt,
		FiredAt:        now,
		IdempotencyKey: idempotencyKey(c.config.Expression, scheduledAt),
	}
	if err := c.emitter.Emit(ctx, req); err != nil {
		return fmt.Errorf("emit scheduled run at %s: %w", scheduledAt.Format(time.RFC3339), err)
	}
	log.Printf("trigger: emitted run=%s scheduled_at=%s", req.RunID, scheduledAt.Format(time.RFC3339))
	return nil
}

// idempotencyKey is stable across process restarts for the same
// schedule slot, letting downstream consumers deduplicate.
func idempotencyKey(expression string, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%d", expression, scheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
