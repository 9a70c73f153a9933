package metrics

import (
	"context"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// FlushFunc receives one flushed batch: the per-identity groups and their coalesced view.
type FlushFunc func(drained []*AggregatedMetric, coalesced []ValueSet)

// Sink consumes flushed batches and owns their transport to a monitoring backend.
// Delivery failures are the sink's concern; the flusher does not retry.
type Sink interface {
	Flush(drained []*AggregatedMetric, coalesced []ValueSet)
}

// SinkFunc adapts a FlushFunc to the Sink interface.
type SinkFunc FlushFunc

// Flush calls f.
func (f SinkFunc) Flush(drained []*AggregatedMetric, coalesced []ValueSet) {
	f(drained, coalesced)
}

// TokenLimitSink forwards batches to a Sink through a token bucket.
// Flush blocks until a token is available; while it waits, new samples keep
// accumulating in the queue and get merged into the next batch.
type TokenLimitSink struct {
	next    Sink
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenLimitSink allows perSec calls per second with bursts of up to burst calls.
func NewTokenLimitSink(next Sink, perSec float64, burst int) *TokenLimitSink {
	s := &TokenLimitSink{next: next}
	s.limiter.Store(rate.NewLimiter(rate.Limit(perSec), burst))
	return s
}

// Flush waits for a token and forwards the batch.
func (s *TokenLimitSink) Flush(drained []*AggregatedMetric, coalesced []ValueSet) {
	_ = s.FlushContext(context.Background(), drained, coalesced)
}

// FlushContext waits for a token or for ctx. The batch is dropped if ctx ends first.
func (s *TokenLimitSink) FlushContext(ctx context.Context, drained []*AggregatedMetric, coalesced []ValueSet) error {
	if err := s.limiter.Load().Wait(ctx); err != nil {
		return err
	}
	s.next.Flush(drained, coalesced)
	return nil
}

// Reload swaps in a new rate without disturbing concurrent flushes.
func (s *TokenLimitSink) Reload(perSec float64, burst int) {
	s.limiter.Store(rate.NewLimiter(rate.Limit(perSec), burst))
}

// FunnelLimitSink forwards batches through a leaky bucket, spacing calls evenly
// without allowing bursts.
type FunnelLimitSink struct {
	next    Sink
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelLimitSink allows perSec evenly spaced calls per second.
func NewFunnelLimitSink(next Sink, perSec int) *FunnelLimitSink {
	s := &FunnelLimitSink{next: next}
	limiter := ratelimit.New(perSec)
	s.limiter.Store(&limiter)
	return s
}

// Flush blocks until the bucket lets the call through and forwards the batch.
func (s *FunnelLimitSink) Flush(drained []*AggregatedMetric, coalesced []ValueSet) {
	(*s.limiter.Load()).Take()
	s.next.Flush(drained, coalesced)
}

// Reload swaps in a new rate.
func (s *FunnelLimitSink) Reload(perSec int) {
	limiter := ratelimit.New(perSec)
	s.limiter.Store(&limiter)
}
