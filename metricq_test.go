package metricq

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linchenxuan/metricq/log"
	"github.com/linchenxuan/metricq/metrics"
	"github.com/linchenxuan/metricq/metrics/logsink"
	"github.com/linchenxuan/metricq/metrics/prometheus"
	"github.com/linchenxuan/metricq/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]metrics.ValueSet
}

func (r *recordingSink) Flush(_ []*metrics.AggregatedMetric, coalesced []metrics.ValueSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, coalesced)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingSink) last() []metrics.ValueSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[len(r.batches)-1]
}

func quietLog() *log.LogCfg {
	return &log.LogCfg{LogLevel: log.ErrorLevel}
}

func TestNewDefaults(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.NotNil(t, c.Logger)
	assert.NotNil(t, c.PluginManager)
	assert.NotNil(t, c.Publisher)
	assert.Equal(t, metrics.StateIdle, c.Flusher().State())
	assert.Equal(t, metrics.DefaultFlushInterval, c.Config().FlushInterval())
	assert.NoError(t, c.Stop(context.Background()))
}

func TestNewDefaultLogger(t *testing.T) {
	prev := log.DefaultLogger()
	defer log.SetDefaultLogger(prev)

	c, err := New(&Config{Log: quietLog()}, WithoutDefaultLogger())
	require.NoError(t, err)
	assert.Same(t, prev, log.DefaultLogger())
	require.NoError(t, c.Stop(context.Background()))

	c, err = New(&Config{Log: quietLog()})
	require.NoError(t, err)
	assert.Same(t, c.Logger, log.DefaultLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Debug().Msg("concurrent with replacement")
		}()
	}
	log.SetDefaultLogger(prev)
	wg.Wait()
	require.NoError(t, c.Stop(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"NegativeInterval", Config{FlushIntervalMs: -1}},
		{"NegativeDrainLimit", Config{DrainLimit: -1}},
		{"NegativePublishTimeout", Config{PublishTimeoutMs: -1}},
		{"UnknownRateMode", Config{RateLimit: RateLimitCfg{Mode: "leaky"}}},
		{"TokenWithoutBurst", Config{RateLimit: RateLimitCfg{Mode: RateLimitToken, PerSec: 1}}},
		{"FunnelTooSlow", Config{RateLimit: RateLimitCfg{Mode: RateLimitFunnel, PerSec: 0.5}}},
		{"BadLog", Config{Log: &log.LogCfg{LogLevel: 0}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cfg.Validate())
			_, err := New(&tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestClientFlushesToSinksAndSubscribers(t *testing.T) {
	mock := clock.NewMock()
	sink := &recordingSink{}
	c, err := New(&Config{FlushIntervalMs: 100, Log: quietLog()}, WithClock(mock), WithSink(sink))
	require.NoError(t, err)

	got := make(chan FlushedBatch, 4)
	require.NoError(t, c.Subscribe(func(b FlushedBatch) { got <- b }))

	c.Start()
	require.NoError(t, c.Add(
		metrics.Metric{Name: "m1", Value: 1},
		metrics.Metric{Name: "m1", Value: 2},
	))
	mock.Add(100 * time.Millisecond)

	select {
	case b := <-got:
		require.Len(t, b.Drained, 1)
		assert.Equal(t, metrics.Value(3), b.Drained[0].Sum)
		require.Len(t, b.Coalesced, 1)
	case <-time.After(time.Second):
		t.Fatal("no batch published")
	}
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 0, c.Queue().Count())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, metrics.StateIdle, c.Flusher().State())
}

func TestClientStopFlushesRemainder(t *testing.T) {
	sink := &recordingSink{}
	c, err := New(&Config{FlushIntervalMs: 60_000, Log: quietLog()}, WithClock(clock.NewMock()), WithSink(sink))
	require.NoError(t, err)
	c.Start()

	require.NoError(t, c.Add(metrics.Metric{Name: "late", Value: 5}))
	require.NoError(t, c.Stop(context.Background()))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "late", sink.last()[0].Name)
}

func TestClientSinkPanicDoesNotStarveOthers(t *testing.T) {
	sink := &recordingSink{}
	bad := metrics.SinkFunc(func([]*metrics.AggregatedMetric, []metrics.ValueSet) { panic("boom") })
	c, err := New(&Config{Log: quietLog()}, WithSink(bad), WithSink(sink))
	require.NoError(t, err)

	require.NoError(t, c.Add(metrics.Metric{Name: "m", Value: 1}))
	assert.NotPanics(t, c.Flush)
	assert.Equal(t, 1, sink.count())
}

func TestClientInstruments(t *testing.T) {
	mock := clock.NewMock()
	sink := &recordingSink{}
	c, err := New(&Config{Log: quietLog()}, WithClock(mock), WithSink(sink))
	require.NoError(t, err)

	c.Counter("hits").Incr(2)
	c.Counter("hits").IncrWithDim(3, metrics.Dimensions{{Name: "path", Value: "/"}})
	c.Gauge("load", metrics.UnitPercent).Update(40)
	start := mock.Now()
	mock.Add(5 * time.Millisecond)
	c.StopWatch("rpc").Record(start)
	c.Flush()

	require.Equal(t, 1, sink.count())
	sets := sink.last()
	require.Len(t, sets, 4)
	assert.Equal(t, "hits", sets[0].Name)
	assert.Equal(t, metrics.Value(5), sets[0].Sum())
	assert.Equal(t, metrics.Value(3), sets[1].Sum())
	assert.Equal(t, metrics.UnitPercent, sets[2].Unit)
	assert.Equal(t, metrics.Value(5), sets[3].Sum())
}

func TestClientRejectsInvalidMetric(t *testing.T) {
	c, err := New(&Config{Log: quietLog()})
	require.NoError(t, err)

	err = c.Add(metrics.Metric{Name: "ok", Value: 1}, metrics.Metric{Value: 2})
	assert.ErrorIs(t, err, metrics.ErrInvalidMetric)
	assert.Equal(t, 0, c.Queue().Count())
}

func TestClientPluginSinks(t *testing.T) {
	c, err := New(&Config{
		Log: quietLog(),
		Plugins: map[string]any{
			string(plugin.Sink): map[string]any{
				"prometheus": map[string]any{"namespace": "svc"},
				"log":        map[string]any{"level": "debug", "skipEmpty": true},
			},
		},
	})
	require.NoError(t, err)
	defer c.Stop(context.Background())

	p, err := c.PluginManager.GetPlugin(plugin.Sink, "prometheus")
	require.NoError(t, err)
	exporter, ok := p.(*prometheus.Exporter)
	require.True(t, ok)

	p, err = c.PluginManager.GetPlugin(plugin.Sink, "log")
	require.NoError(t, err)
	assert.IsType(t, &logsink.Sink{}, p)

	require.NoError(t, c.Add(metrics.Metric{Name: "req", Value: 4}))
	c.Flush()

	mfs, err := exporter.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "svc_req_sum")
	assert.Contains(t, names, "svc_req_count")
}

func TestClientUnknownPlugin(t *testing.T) {
	_, err := New(&Config{
		Log:     quietLog(),
		Plugins: map[string]any{"sink": map[string]any{"kafka": map[string]any{}}},
	})
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
}

func TestClientRateLimited(t *testing.T) {
	sink := &recordingSink{}
	c, err := New(&Config{
		Log:       quietLog(),
		RateLimit: RateLimitCfg{Mode: RateLimitToken, PerSec: 1000, Burst: 1},
	}, WithSink(sink))
	require.NoError(t, err)
	_, ok := c.limiter.(*metrics.TokenLimitSink)
	require.True(t, ok)

	c.Flush()
	c.Flush()
	assert.Equal(t, 2, sink.count())

	require.NoError(t, c.Reload(&Config{
		Log:       quietLog(),
		RateLimit: RateLimitCfg{Mode: RateLimitToken, PerSec: 2000, Burst: 2},
	}))
	c.Flush()
	assert.Equal(t, 3, sink.count())
}

func TestClientReloadReplacesFlusher(t *testing.T) {
	mock := clock.NewMock()
	sink := &recordingSink{}
	c, err := New(&Config{FlushIntervalMs: 100, Log: quietLog()}, WithClock(mock), WithSink(sink))
	require.NoError(t, err)
	c.Start()
	defer c.Stop(context.Background())

	old := c.Flusher()
	require.NoError(t, c.Add(metrics.Metric{Name: "pending", Value: 1}))

	reloaded := make(chan any, 1)
	require.NoError(t, c.Publisher.RegisterSubscriber("ReloadConfig", func(p any) { reloaded <- p }))

	require.NoError(t, c.Reload(&Config{FlushIntervalMs: 500, Log: &log.LogCfg{LogLevel: log.WarnLevel}}))

	assert.Equal(t, metrics.StateIdle, old.State())
	assert.Equal(t, metrics.StateRunning, c.Flusher().State())
	assert.Equal(t, 500*time.Millisecond, c.Flusher().Interval())
	assert.Equal(t, 1, sink.count(), "retired flusher flushes what it buffered")
	assert.Equal(t, log.WarnLevel, c.Logger.GetLevel())

	select {
	case p := <-reloaded:
		assert.Equal(t, 500, p.(*Config).FlushIntervalMs)
	default:
		t.Fatal("reload not published")
	}

	same := c.Flusher()
	require.NoError(t, c.Reload(&Config{FlushIntervalMs: 500, Log: quietLog()}))
	assert.Same(t, same, c.Flusher(), "unchanged flusher settings keep the flusher")

	assert.Error(t, c.Reload(&Config{DrainLimit: -1}))
}

func TestClientReloadDeliversRetiredBatchFirst(t *testing.T) {
	sink := &recordingSink{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := metrics.SinkFunc(func([]*metrics.AggregatedMetric, []metrics.ValueSet) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	c, err := New(&Config{FlushIntervalMs: 100, Log: quietLog()},
		WithClock(clock.NewMock()), WithSink(blocking), WithSink(sink))
	require.NoError(t, err)
	defer c.Stop(context.Background())

	require.NoError(t, c.Add(metrics.Metric{Name: "old", Value: 1}))
	reloaded := make(chan struct{})
	go func() {
		defer close(reloaded)
		assert.NoError(t, c.Reload(&Config{FlushIntervalMs: 500, Log: quietLog()}))
	}()
	<-entered

	require.NoError(t, c.Add(metrics.Metric{Name: "new", Value: 2}))
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		c.Flush()
	}()

	assert.Never(t, func() bool { return sink.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	<-reloaded
	<-flushed

	require.Equal(t, 2, sink.count())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "old", sink.batches[0][0].Name)
	assert.Equal(t, "new", sink.batches[1][0].Name)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ConfigName+".yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
flushIntervalMs: 200
drainLimit: 50
skipEmpty: true
log:
  level: error
plugins:
  sink:
    log:
      level: debug
`), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)
	defer c.Stop(context.Background())

	cfg := c.Config()
	assert.Equal(t, 200*time.Millisecond, cfg.FlushInterval())
	assert.Equal(t, 50, cfg.DrainLimit)
	assert.True(t, cfg.SkipEmpty)
	assert.Equal(t, log.ErrorLevel, cfg.Log.LogLevel)
	assert.Len(t, c.PluginManager.GetPlugins(plugin.Sink), 1)

	c.Start()
	require.NoError(t, os.WriteFile(file, []byte(`
flushIntervalMs: 300
drainLimit: 50
skipEmpty: true
log:
  level: error
`), 0o644))

	assert.Eventually(t, func() bool {
		return c.Flusher().Interval() == 300*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}
