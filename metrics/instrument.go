package metrics

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linchenxuan/metricq/log"
)

// Instruments hands out named Counter, Gauge and StopWatch handles that write into a Queue.
// Handles are cached by name, so repeated lookups are cheap and return the same handle.
type Instruments struct {
	queue *Queue
	clock clock.Clock

	lockCounters sync.RWMutex
	counters     map[string]*Counter
	lockGauges   sync.RWMutex
	gauges       map[string]*Gauge
	lockWatches  sync.RWMutex
	stopwatches  map[string]*StopWatch
}

// NewInstruments creates handles for q. A nil clk uses the wall clock.
func NewInstruments(q *Queue, clk clock.Clock) *Instruments {
	if clk == nil {
		clk = clock.New()
	}
	return &Instruments{
		queue:       q,
		clock:       clk,
		counters:    map[string]*Counter{},
		gauges:      map[string]*Gauge{},
		stopwatches: map[string]*StopWatch{},
	}
}

// getOrCreate is double-checked so the common lookup only takes the read lock.
func getOrCreate[T any](lock *sync.RWMutex, m map[string]*T, name string, create func() *T) *T {
	lock.RLock()
	v, ok := m[name]
	lock.RUnlock()
	if ok {
		return v
	}

	lock.Lock()
	defer lock.Unlock()
	if v, ok = m[name]; ok {
		return v
	}
	v = create()
	m[name] = v
	return v
}

// Counter returns the counter named name.
func (x *Instruments) Counter(name string) *Counter {
	return getOrCreate(&x.lockCounters, x.counters, name, func() *Counter {
		return &Counter{base{name: name, unit: UnitCount, ins: x}}
	})
}

// Gauge returns the gauge named name, recording values in unit.
// The unit of the first lookup wins.
func (x *Instruments) Gauge(name string, unit Unit) *Gauge {
	return getOrCreate(&x.lockGauges, x.gauges, name, func() *Gauge {
		return &Gauge{base{name: name, unit: unit, ins: x}}
	})
}

// StopWatch returns the stopwatch named name. Durations are recorded in milliseconds.
func (x *Instruments) StopWatch(name string) *StopWatch {
	return getOrCreate(&x.lockWatches, x.stopwatches, name, func() *StopWatch {
		return &StopWatch{base{name: name, unit: UnitMilliseconds, ins: x}}
	})
}

type base struct {
	name string
	unit Unit
	ins  *Instruments
}

// Name returns the metric name.
func (b *base) Name() string {
	return b.name
}

func (b *base) record(v Value, dims Dimensions) {
	m := Metric{
		Name:       b.name,
		Value:      v,
		Timestamp:  b.ins.clock.Now(),
		Unit:       b.unit,
		Dimensions: dims,
	}
	if err := b.ins.queue.Add(m); err != nil {
		log.Error().Err(err).Str("metric", b.name).Msg("record metric")
	}
}

// Counter records increments. The flushed sum is the total increment of the interval.
type Counter struct{ base }

// Incr records an increment of delta.
func (c *Counter) Incr(delta Value) {
	c.record(delta, nil)
}

// IncrWithDim records an increment of delta under dims.
func (c *Counter) IncrWithDim(delta Value, dims Dimensions) {
	c.record(delta, dims)
}

// Gauge records observed values.
type Gauge struct{ base }

// Update records v.
func (g *Gauge) Update(v Value) {
	g.record(v, nil)
}

// UpdateWithDim records v under dims.
func (g *Gauge) UpdateWithDim(v Value, dims Dimensions) {
	g.record(v, dims)
}

// StopWatch records elapsed times.
type StopWatch struct{ base }

// Record records the time since start and returns it.
func (s *StopWatch) Record(start time.Time) time.Duration {
	return s.RecordWithDim(nil, start)
}

// RecordWithDim records the time since start under dims and returns it.
func (s *StopWatch) RecordWithDim(dims Dimensions, start time.Time) time.Duration {
	d := s.ins.clock.Since(start)
	s.record(Value(float64(d.Microseconds())/1000), dims)
	return d
}
