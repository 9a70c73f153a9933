package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linchenxuan/metricq/log"
)

// DefaultFlushInterval is used when Start is given a non-positive interval.
const DefaultFlushInterval = time.Second

// State is the lifecycle state of a Flusher.
type State int32

const (
	// StateIdle means no timer is armed. It is both the initial and the terminal state.
	StateIdle State = iota
	// StateRunning means the recurring timer is armed.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FlusherOption configures a Flusher.
type FlusherOption func(*Flusher)

// WithDrainLimit caps the number of raw metrics drained per tick. n <= 0 removes the cap.
func WithDrainLimit(n int) FlusherOption {
	return func(f *Flusher) {
		f.drainLimit = n
	}
}

// WithClock replaces the wall clock, mainly so tests can drive ticks by hand.
func WithClock(c clock.Clock) FlusherOption {
	return func(f *Flusher) {
		f.clock = c
	}
}

// WithLogger sets the logger. The package default logger is used otherwise.
func WithLogger(l log.Logger) FlusherOption {
	return func(f *Flusher) {
		f.logger = l
	}
}

// WithSkipEmpty suppresses the callback on ticks that find the queue empty.
func WithSkipEmpty() FlusherOption {
	return func(f *Flusher) {
		f.skipEmpty = true
	}
}

// WithTickLock makes the flusher serialize its ticks on l, so flushers sharing one
// lock never deliver batches concurrently.
func WithTickLock(l *sync.Mutex) FlusherOption {
	return func(f *Flusher) {
		f.tickLock = l
	}
}

// Flusher drains a Queue on a fixed interval, coalesces the result and hands both
// views to a callback.
//
// Ticks never overlap. The callback runs on the timer goroutine, and ticks that come
// due while it is still running are dropped rather than queued, so a slow callback
// lowers the effective flush rate instead of piling up work. There is no drift
// correction. A panicking callback is recovered and logged and the next tick runs normally.
type Flusher struct {
	queue      *Queue
	fn         FlushFunc
	clock      clock.Clock
	logger     log.Logger
	drainLimit int
	skipEmpty  bool

	lock     sync.Mutex
	state    State
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	tickLock *sync.Mutex
}

// NewFlusher creates an idle flusher for q that reports every tick to fn.
func NewFlusher(q *Queue, fn FlushFunc, opts ...FlusherOption) *Flusher {
	f := &Flusher{
		queue: q,
		fn:    fn,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.tickLock == nil {
		f.tickLock = &sync.Mutex{}
	}
	return f
}

// Start arms the recurring timer. It does nothing if the flusher is already running.
func (f *Flusher) Start(interval time.Duration) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.state == StateRunning {
		return
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := f.clock.Ticker(interval)
	done := make(chan struct{})

	f.interval = interval
	f.cancel = cancel
	f.done = done
	f.state = StateRunning

	go f.loop(ctx, ticker, done)
	f.getLogger().Info().Dur("interval_ms", interval).Int("drain_limit", f.drainLimit).Msg("flusher started")
}

// Cancel disarms the timer. It does not wait for, or interrupt, a tick in progress.
// Calling it on an idle flusher does nothing.
func (f *Flusher) Cancel() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.cancelLocked()
}

func (f *Flusher) cancelLocked() {
	if f.state == StateIdle {
		return
	}
	f.cancel()
	f.cancel = nil
	f.state = StateIdle
	f.getLogger().Info().Msg("flusher cancelled")
}

// Shutdown cancels the timer, waits for the timer goroutine to exit and then runs a
// final tick so metrics buffered since the last tick are not stranded.
// It returns ctx.Err() without the final tick if ctx ends first.
func (f *Flusher) Shutdown(ctx context.Context) error {
	f.lock.Lock()
	done := f.done
	f.done = nil
	f.cancelLocked()
	f.lock.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.Flush()
	return nil
}

// Flush runs one tick synchronously on the calling goroutine.
func (f *Flusher) Flush() {
	f.tick()
}

// State returns the current lifecycle state.
func (f *Flusher) State() State {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

// Interval returns the interval of the last Start.
func (f *Flusher) Interval() time.Duration {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.interval
}

func (f *Flusher) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Cancel may race with a pending tick.
			if ctx.Err() != nil {
				return
			}
			f.tick()
		}
	}
}

func (f *Flusher) tick() {
	f.tickLock.Lock()
	defer f.tickLock.Unlock()

	n := f.queue.Count()
	if f.drainLimit > 0 && f.drainLimit < n {
		n = f.drainLimit
	}
	if n == 0 && f.skipEmpty {
		return
	}

	drained := []*AggregatedMetric{}
	if n > 0 {
		drained = f.queue.Drain(n)
	}
	coalesced := Coalesce(drained)

	start := f.clock.Now()
	f.invoke(drained, coalesced)
	f.getLogger().Debug().Int("metrics", n).Int("groups", len(drained)).
		Int("coalesced", len(coalesced)).Dur("cost_ms", f.clock.Since(start)).Msg("flusher tick")
}

func (f *Flusher) invoke(drained []*AggregatedMetric, coalesced []ValueSet) {
	defer func() {
		if r := recover(); r != nil {
			f.getLogger().Error().Str("panic", fmt.Sprint(r)).Int("groups", len(drained)).Msg("flush callback panicked")
		}
	}()
	f.fn(drained, coalesced)
}

func (f *Flusher) getLogger() log.Logger {
	if f.logger != nil {
		return f.logger
	}
	return log.DefaultLogger()
}
