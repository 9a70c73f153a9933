// Package prometheus exposes flushed metric batches to Prometheus.
//
// The Exporter keeps the most recent coalesced batch and renders it on every scrape as
// two gauges per entry:
//
//	<namespace>_<name>_sum{<dimensions>}
//	<namespace>_<name>_count{<dimensions>}
//
// Dimension-less rollups render without labels. The snapshot can also be pushed to a
// push gateway on a fixed interval.
package prometheus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linchenxuan/metricq/log"
	"github.com/linchenxuan/metricq/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	_factoryName         = "prometheus"
	_defaultMetricPath   = "/metrics"
	_defaultHealthPath   = "/health"
	_defaultPushInterval = 15
	_pushTimeout         = 5 * time.Second

	_sumHelp   = "Sum of the values in the last flushed batch."
	_countHelp = "Number of samples in the last flushed batch."
)

// Config configures an Exporter.
type Config struct {
	Tag             string            `mapstructure:"tag"`             // Instance tag
	Namespace       string            `mapstructure:"namespace"`       // Prefix of every rendered metric name
	ConstLabels     map[string]string `mapstructure:"constLabels"`     // Labels added to every series
	WithTimestamp   bool              `mapstructure:"withTimestamp"`   // Attach the entry timestamp to each sample
	ListenAddr      string            `mapstructure:"listenAddr"`      // HTTP listen address, empty disables the server
	MetricPath      string            `mapstructure:"metricPath"`      // Metrics HTTP path
	HealthCheckPath string            `mapstructure:"healthCheckPath"` // Health check HTTP path
	HealthTTLSec    int               `mapstructure:"healthTTLSec"`    // Unhealthy when no flush arrived for this long, 0 disables
	UsePush         bool              `mapstructure:"usePush"`         // Enable push mode
	PushAddr        string            `mapstructure:"pushAddr"`        // Push gateway address
	PushJobName     string            `mapstructure:"pushJobName"`     // Push job name
	PushIntervalSec int               `mapstructure:"pushIntervalSec"` // Push interval in seconds
}

func (c *Config) setDefaults() {
	if c.MetricPath == "" {
		c.MetricPath = _defaultMetricPath
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = _defaultHealthPath
	}
	if c.PushIntervalSec <= 0 {
		c.PushIntervalSec = _defaultPushInterval
	}
}

// Validate checks the push settings.
func (c *Config) Validate() error {
	if c.UsePush && c.PushAddr == "" {
		return errors.New("prometheus: pushAddr is required when usePush is set")
	}
	if c.UsePush && c.PushJobName == "" {
		return errors.New("prometheus: pushJobName is required when usePush is set")
	}
	return nil
}

// Exporter is a metrics.Sink and a prometheus.Collector.
type Exporter struct {
	cfg      *Config
	clock    clock.Clock
	registry *prometheus.Registry

	lock      sync.RWMutex
	snapshot  []metrics.ValueSet
	lastFlush time.Time

	flushes prometheus.Counter
	series  prometheus.Gauge

	svr    *http.Server
	addr   net.Addr
	cancel context.CancelFunc
}

// NewExporter creates an exporter with its own registry and registers itself on it.
func NewExporter(cfg *Config) (*Exporter, error) {
	return newExporter(cfg, clock.New())
}

func newExporter(cfg *Config, clk clock.Clock) (*Exporter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	x := &Exporter{
		cfg:      cfg,
		clock:    clk,
		registry: reg,
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "exporter",
			Name:      "flushes_total",
			Help:      "Number of batches received by the exporter.",
		}),
		series: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "exporter",
			Name:      "snapshot_entries",
			Help:      "Number of coalesced entries in the current snapshot.",
		}),
	}
	if err := reg.Register(x); err != nil {
		return nil, err
	}
	return x, nil
}

// FactoryName implements plugin.Plugin.
func (x *Exporter) FactoryName() string {
	return _factoryName
}

// Registry returns the registry the exporter renders into.
func (x *Exporter) Registry() *prometheus.Registry {
	return x.registry
}

// Flush replaces the snapshot with the coalesced view of the batch.
func (x *Exporter) Flush(_ []*metrics.AggregatedMetric, coalesced []metrics.ValueSet) {
	x.lock.Lock()
	x.snapshot = coalesced
	x.lastFlush = x.clock.Now()
	x.lock.Unlock()

	x.flushes.Inc()
	x.series.Set(float64(len(coalesced)))
}

// Describe sends nothing, which makes the exporter an unchecked collector:
// the set of series changes with every batch.
func (x *Exporter) Describe(chan<- *prometheus.Desc) {}

// Collect renders the snapshot.
func (x *Exporter) Collect(ch chan<- prometheus.Metric) {
	x.lock.RLock()
	snapshot := x.snapshot
	x.lock.RUnlock()

	// Distinct entries can sanitize to the same series; the first one wins.
	seen := make(map[string]struct{}, len(snapshot))
	for i := range snapshot {
		vs := &snapshot[i]
		labelNames, labelValues, constLabels := x.labels(vs.Dimensions)
		base := metricName(x.cfg.Namespace, vs.Name)

		key := seriesKey(base, labelNames, labelValues)
		if _, dup := seen[key]; dup {
			log.Debug().Str("metric", vs.Name).Str("series", base).Msg("prometheus series collision, skipped")
			continue
		}
		seen[key] = struct{}{}

		x.emit(ch, vs, base+"_sum", _sumHelp, labelNames, labelValues, constLabels, float64(vs.Sum()))
		x.emit(ch, vs, base+"_count", _countHelp, labelNames, labelValues, constLabels, float64(vs.SampleCount()))
	}
}

func (x *Exporter) emit(ch chan<- prometheus.Metric, vs *metrics.ValueSet, name, help string,
	labelNames, labelValues []string, constLabels prometheus.Labels, v float64,
) {
	desc := prometheus.NewDesc(name, help, labelNames, constLabels)
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		log.Error().Err(err).Str("metric", vs.Name).Msg("prometheus render")
		return
	}
	if x.cfg.WithTimestamp && !vs.Timestamp.IsZero() {
		m = prometheus.NewMetricWithTimestamp(vs.Timestamp, m)
	}
	ch <- m
}

func seriesKey(name string, labelNames, labelValues []string) string {
	pairs := make([]string, len(labelNames))
	for i := range labelNames {
		pairs[i] = labelNames[i] + "=" + labelValues[i]
	}
	sort.Strings(pairs)

	var b strings.Builder
	b.WriteString(name)
	for _, p := range pairs {
		b.WriteByte(0xff)
		b.WriteString(p)
	}
	return b.String()
}

// labels turns dimensions into variable labels. A dimension shadows a const label
// of the same name.
func (x *Exporter) labels(dims metrics.Dimensions) ([]string, []string, prometheus.Labels) {
	names := make([]string, 0, len(dims))
	values := make([]string, 0, len(dims))
	seen := make(map[string]struct{}, len(dims))
	for _, d := range dims {
		n := labelName(d.Name)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
		values = append(values, d.Value)
	}

	var consts prometheus.Labels
	if len(x.cfg.ConstLabels) > 0 {
		consts = make(prometheus.Labels, len(x.cfg.ConstLabels))
		for k, v := range x.cfg.ConstLabels {
			k = labelName(k)
			if _, ok := seen[k]; ok {
				continue
			}
			consts[k] = v
		}
	}
	return names, values, consts
}

// Handler serves the exporter registry.
func (x *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(x.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Start launches the HTTP server when ListenAddr is set and the pusher when UsePush is set.
func (x *Exporter) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel

	if x.cfg.ListenAddr != "" {
		if _, err := x.startHTTPSvr(); err != nil {
			cancel()
			return err
		}
	}
	if x.cfg.UsePush {
		x.StartPush(ctx)
	}
	return nil
}

// Stop shuts down the pusher and the HTTP server.
func (x *Exporter) Stop() {
	if x.cancel != nil {
		x.cancel()
		x.cancel = nil
	}
	if x.svr != nil {
		if err := x.svr.Close(); err != nil {
			log.Error().Err(err).Msg("stop prometheus http server")
		}
		x.svr = nil
	}
}

// Addr returns the address the HTTP server listens on, nil before Start.
func (x *Exporter) Addr() net.Addr {
	return x.addr
}

func (x *Exporter) startHTTPSvr() (net.Addr, error) {
	l, err := net.Listen("tcp", x.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(x.cfg.MetricPath, x.Handler())
	if x.cfg.HealthTTLSec > 0 {
		mux.HandleFunc(x.cfg.HealthCheckPath, x.healthCheckHandler)
		log.Info().Str("path", x.cfg.HealthCheckPath).Msg("health check endpoint enabled")
	}

	x.svr = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	x.addr = l.Addr()
	go func(svr *http.Server) {
		if err := svr.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("prometheus http serve")
		}
	}(x.svr)
	log.Info().Str("addr", l.Addr().String()).Str("path", x.cfg.MetricPath).Msg("prometheus http start listen on")
	return l.Addr(), nil
}

// StartPush pushes the registry to the gateway every PushIntervalSec until ctx ends.
func (x *Exporter) StartPush(ctx context.Context) {
	pusher := push.New(x.cfg.PushAddr, x.cfg.PushJobName).Gatherer(x.registry)
	interval := time.Duration(x.cfg.PushIntervalSec) * time.Second

	go func() {
		log.Info().Str("addr", x.cfg.PushAddr).Dur("interval_ms", interval).Msg("prometheus pusher started")
		t := x.clock.Ticker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("prometheus pusher end")
				return
			case <-t.C:
				pushCtx, cancel := context.WithTimeout(ctx, _pushTimeout)
				if err := pusher.PushContext(pushCtx); err != nil {
					log.Error().Err(err).Msg("prometheus push")
				}
				cancel()
			}
		}
	}()
}

// healthy reports whether a batch arrived within the health TTL.
func (x *Exporter) healthy() (bool, time.Time) {
	x.lock.RLock()
	last := x.lastFlush
	x.lock.RUnlock()

	ttl := time.Duration(x.cfg.HealthTTLSec) * time.Second
	return !last.IsZero() && x.clock.Since(last) <= ttl, last
}

func (x *Exporter) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ok, last := x.healthy()
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":    status,
		"timestamp": x.clock.Now().UTC().Format(time.RFC3339),
	}
	if !last.IsZero() {
		body["lastFlush"] = last.UTC().Format(time.RFC3339)
	}

	s, err := structpb.NewStruct(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func metricName(namespace, name string) string {
	n := sanitize(name, true)
	if namespace == "" {
		return n
	}
	return sanitize(namespace, true) + "_" + n
}

func labelName(name string) string {
	return sanitize(name, false)
}

// sanitize maps every rune outside [a-zA-Z0-9_] (plus ':' in metric names) to '_'
// and prefixes a leading digit with '_'.
func sanitize(s string, allowColon bool) string {
	if s == "" {
		return "_"
	}
	var sb strings.Builder
	sb.Grow(len(s) + 1)
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		case r == ':' && allowColon:
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
