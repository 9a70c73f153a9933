package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentsCacheHandles(t *testing.T) {
	ins := NewInstruments(NewQueue(), nil)

	assert.Same(t, ins.Counter("requests"), ins.Counter("requests"))
	assert.NotSame(t, ins.Counter("requests"), ins.Counter("errors"))
	assert.Same(t, ins.Gauge("load", UnitPercent), ins.Gauge("load", UnitNone))
	assert.Same(t, ins.StopWatch("rpc"), ins.StopWatch("rpc"))
	assert.Equal(t, "rpc", ins.StopWatch("rpc").Name())
}

func TestCounter(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue()
	c := NewInstruments(q, mock).Counter("requests")

	c.Incr(1)
	c.Incr(2)
	c.IncrWithDim(5, Dimensions{{Name: "code", Value: "500"}})

	drained := q.DrainAll()
	require.Len(t, drained, 2)
	assert.Equal(t, Value(3), drained[0].Sum)
	assert.Equal(t, UnitCount, drained[0].Unit)
	assert.Equal(t, mock.Now(), drained[0].Timestamp)
	assert.Equal(t, Value(5), drained[1].Sum)
	assert.Equal(t, "500", drained[1].Dimensions[0].Value)
}

func TestGauge(t *testing.T) {
	q := NewQueue()
	g := NewInstruments(q, clock.NewMock()).Gauge("queue_depth", UnitCount)

	g.Update(4)
	g.UpdateWithDim(6, Dimensions{{Name: "shard", Value: "1"}})

	sets := Coalesce(q.DrainAll())
	require.Len(t, sets, 2)
	assert.Equal(t, []Value{4, 6}, sets[0].Values)
	assert.Equal(t, UnitCount, sets[0].Unit)
}

func TestStopWatch(t *testing.T) {
	mock := clock.NewMock()
	q := NewQueue()
	sw := NewInstruments(q, mock).StopWatch("rpc")

	start := mock.Now()
	mock.Add(1500 * time.Microsecond)
	d := sw.Record(start)
	assert.Equal(t, 1500*time.Microsecond, d)

	start = mock.Now()
	mock.Add(20 * time.Millisecond)
	sw.RecordWithDim(Dimensions{{Name: "method", Value: "Get"}}, start)

	drained := q.DrainAll()
	require.Len(t, drained, 2)
	assert.Equal(t, UnitMilliseconds, drained[0].Unit)
	assert.InDelta(t, 1.5, float64(drained[0].Sum), 1e-9)
	assert.InDelta(t, 20, float64(drained[1].Sum), 1e-9)
}

func TestInvalidInstrumentIsDropped(t *testing.T) {
	q := NewQueue()
	NewInstruments(q, nil).Counter("").Incr(1)
	assert.Equal(t, 0, q.Count())
}

func TestInstrumentsConcurrent(t *testing.T) {
	q := NewQueue()
	ins := NewInstruments(q, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ins.Counter("hits").Incr(1)
			}
		}()
	}
	wg.Wait()

	drained := q.DrainAll()
	require.Len(t, drained, 1)
	assert.Equal(t, Value(1600), drained[0].Sum)
}
