package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelci/kestrel/internal/perf"
	"github.com/kestrelci/kestrel/internal/state"
)

const (
	// ChannelState carries checkpoint and run status transitions.
	ChannelState = "kestrel:events:state"
	// ChannelPerf carries performance regression alerts.
	ChannelPerf = "kestrel:events:perf"
)

// RedisSink publishes events as JSON on Redis pub/sub channels. Publish
// errors are logged and swallowed.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) StateChanged(ctx context.Context, e state.Event) {
	doc := stateEventDoc{
		Kind:             "state_changed",
		RunID:            e.RunID.String(),
		RunStatus:        string(e.RunStatus),
		TestID:           e.TestID,
		CheckpointStatus: string(e.CheckpointStatus),
		Attempt:          e.Attempt,
		At:               e.At,
	}
	s.publish(ctx, ChannelState, doc)
}

func (s *RedisSink) PerformanceAlert(ctx context.Context, a perf.Alert) {
	doc := perfAlertDoc{
		Kind:       "performance_alert",
		TestID:     a.TestID,
		DurationMs: a.Duration.Milliseconds(),
		BaselineMs: a.Baseline.Milliseconds(),
		Multiplier: a.Multiplier,
		RaisedAt:   a.RaisedAt,
	}
	s.publish(ctx, ChannelPerf, doc)
}

func (s *RedisSink) publish(ctx context.Context, channel string, doc any) {
	payload, err := json.Marshal(doc)
	if err != nil {
		log.Printf("notify: marshal event: %v", err)
		return
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("notify: publish to %s: %v", channel, err)
	}
}
