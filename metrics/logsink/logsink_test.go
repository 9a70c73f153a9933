package logsink

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/linchenxuan/metricq/log"
	"github.com/linchenxuan/metricq/metrics"
	"github.com/linchenxuan/metricq/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*log.StdLogger, *bytes.Buffer) {
	out := &bytes.Buffer{}
	l := log.NewLogger(&log.LogCfg{LogLevel: log.DebugLevel})
	l.AddAppender(log.NewWriterAppender(out))
	return l, out
}

func lines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var res []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		res = append(res, m)
	}
	return res
}

func batch() ([]*metrics.AggregatedMetric, []metrics.ValueSet) {
	q := metrics.NewQueue()
	_ = q.Add(
		metrics.Metric{Name: "latency", Value: 2, Dimensions: metrics.Dimensions{{Name: "host", Value: "a"}}},
		metrics.Metric{Name: "latency", Value: 3, Dimensions: metrics.Dimensions{{Name: "host", Value: "a"}}},
	)
	drained := q.DrainAll()
	return drained, metrics.Coalesce(drained)
}

func TestSinkBatch(t *testing.T) {
	l, out := newTestLogger()
	s := New(Config{}, l)

	s.Flush(batch())

	got := lines(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, "INFO", got[0]["level"])
	assert.Equal(t, "metrics flushed", got[0]["msg"])
	assert.Equal(t, 2.0, got[0]["entries"])

	entries, ok := got[0]["metrics"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, 5.0, entries[0].(map[string]any)["sum"])
	assert.NotContains(t, entries[0].(map[string]any), "dimensions", "rollup comes first")
}

func TestSinkPerEntry(t *testing.T) {
	l, out := newTestLogger()
	s := New(Config{PerEntry: true, Level: log.DebugLevel}, l)

	s.Flush(batch())

	got := lines(t, out)
	require.Len(t, got, 2)
	for _, line := range got {
		assert.Equal(t, "DEBUG", line["level"])
		assert.Equal(t, "latency", line["metric"].(map[string]any)["name"])
	}
}

func TestSinkSkipEmpty(t *testing.T) {
	l, out := newTestLogger()

	New(Config{SkipEmpty: true}, l).Flush([]*metrics.AggregatedMetric{}, []metrics.ValueSet{})
	assert.Empty(t, out.String())

	New(Config{}, l).Flush([]*metrics.AggregatedMetric{}, []metrics.ValueSet{})
	assert.Len(t, lines(t, out), 1)
}

func TestFactory(t *testing.T) {
	m := plugin.NewManager()
	m.RegisterFactory(NewFactory())

	require.NoError(t, m.SetupPlugins(map[string]any{
		"sink": map[string]any{
			"log": map[string]any{"level": "warn", "perEntry": true},
		},
	}))

	p, err := m.GetPlugin(plugin.Sink, "log")
	require.NoError(t, err)
	s, ok := p.(*Sink)
	require.True(t, ok)
	assert.Equal(t, log.WarnLevel, s.cfg.Level)
	assert.True(t, s.cfg.PerEntry)

	var _ metrics.Sink = s
}
