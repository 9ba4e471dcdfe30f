// Package channel carries run requests between triggers and the
// orchestrator loop inside one process.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelci/kestrel/internal/domain"
)

var ErrBufferFull = errors.New("request bus buffer full")

const DefaultEmitTimeout = 5 * time.Second

// MetricsSink receives bus buffer gauges. Implementations must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type noopMetrics struct{}

func (noopMetrics) BufferSizeUpdate(int)           {}
func (noopMetrics) BufferCapacitySet(int)          {}
func (noopMetrics) BufferSaturationUpdate(float64) {}
func (noopMetrics) EmitError()                     {}

type Option func(*RequestBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *RequestBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(m MetricsSink) Option {
	return func(b *RequestBus) {
		b.metrics = m
	}
}

// RequestBus is a bounded in-process queue of run requests. Emit blocks
// up to the emit timeout when the buffer is full, then fails with
// ErrBufferFull rather than wedging the trigger.
type RequestBus struct {
	ch          chan domain.RunRequest
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewRequestBus(buffer int, opts ...Option) *RequestBus {
	b := &RequestBus{
		ch:          make(chan domain.RunRequest, buffer),
		emitTimeout: DefaultEmitTimeout,
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.BufferCapacitySet(buffer)
	return b
}

func (b *RequestBus) Emit(ctx context.Context, req domain.RunRequest) error {
	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- req:
		b.updateGauges()
		return nil
	case <-timer.C:
		b.metrics.EmitError()
		return ErrBufferFull
	case <-ctx.Done():
		b.metrics.EmitError()
		return ctx.Err()
	}
}

func (b *RequestBus) Channel() <-chan domain.RunRequest {
	return b.ch
}

func (b *RequestBus) updateGauges() {
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}
