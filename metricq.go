// Package metricq buffers metric samples in memory and periodically flushes them,
// grouped by identity and coalesced, to a set of sinks.
//
//	c, _ := metricq.New(&metricq.Config{FlushIntervalMs: 1000})
//	c.Start()
//	_ = c.Add(metrics.Metric{Name: "latency", Value: 12, Unit: metrics.UnitMilliseconds})
//	defer c.Stop(context.Background())
package metricq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linchenxuan/metricq/config"
	"github.com/linchenxuan/metricq/event"
	"github.com/linchenxuan/metricq/log"
	"github.com/linchenxuan/metricq/metrics"
	"github.com/linchenxuan/metricq/metrics/logsink"
	"github.com/linchenxuan/metricq/metrics/prometheus"
	"github.com/linchenxuan/metricq/plugin"
)

// ConfigName is the name of the configuration file, without extension.
const ConfigName = "metricq"

const _defaultPublishTimeout = 5 * time.Second

// Rate limit modes for sink delivery.
const (
	RateLimitNone   = ""
	RateLimitToken  = "token"
	RateLimitFunnel = "funnel"
)

// RateLimitCfg throttles how often flushed batches reach the sinks.
// A blocked tick keeps samples in the queue, where they merge into the next batch.
type RateLimitCfg struct {
	Mode   string  `mapstructure:"mode"`   // "", "token" or "funnel"
	PerSec float64 `mapstructure:"perSec"` // Deliveries per second
	Burst  int     `mapstructure:"burst"`  // Token bucket size, token mode only
}

// Config is the metricq configuration.
type Config struct {
	FlushIntervalMs  int            `mapstructure:"flushIntervalMs"`  // Tick interval, 1000 when unset
	DrainLimit       int            `mapstructure:"drainLimit"`       // Max raw metrics per tick, 0 is unlimited
	SkipEmpty        bool           `mapstructure:"skipEmpty"`        // Skip ticks that find the queue empty
	PublishTimeoutMs int            `mapstructure:"publishTimeoutMs"` // Wait limit for flush subscribers
	RateLimit        RateLimitCfg   `mapstructure:"rateLimit"`
	Log              *log.LogCfg    `mapstructure:"log"`
	Plugins          map[string]any `mapstructure:"plugins"` // type -> factory name -> config
}

// GetName implements config.Config.
func (c *Config) GetName() string {
	return ConfigName
}

// Validate implements config.Config.
func (c *Config) Validate() error {
	if c.FlushIntervalMs < 0 {
		return fmt.Errorf("flushIntervalMs must be non-negative, got %d", c.FlushIntervalMs)
	}
	if c.DrainLimit < 0 {
		return fmt.Errorf("drainLimit must be non-negative, got %d", c.DrainLimit)
	}
	if c.PublishTimeoutMs < 0 {
		return fmt.Errorf("publishTimeoutMs must be non-negative, got %d", c.PublishTimeoutMs)
	}
	switch c.RateLimit.Mode {
	case RateLimitNone:
	case RateLimitToken, RateLimitFunnel:
		if c.RateLimit.PerSec <= 0 {
			return fmt.Errorf("rateLimit.perSec must be positive, got %v", c.RateLimit.PerSec)
		}
		if c.RateLimit.Mode == RateLimitFunnel && c.RateLimit.PerSec < 1 {
			return fmt.Errorf("rateLimit.perSec must be at least 1 in funnel mode, got %v", c.RateLimit.PerSec)
		}
		if c.RateLimit.Mode == RateLimitToken && c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rateLimit.burst must be positive, got %d", c.RateLimit.Burst)
		}
	default:
		return fmt.Errorf("unknown rateLimit.mode %q", c.RateLimit.Mode)
	}
	if c.Log != nil {
		return c.Log.Validate()
	}
	return nil
}

// FlushInterval returns the tick interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	if c.FlushIntervalMs <= 0 {
		return metrics.DefaultFlushInterval
	}
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c *Config) publishTimeout() time.Duration {
	if c.PublishTimeoutMs <= 0 {
		return _defaultPublishTimeout
	}
	return time.Duration(c.PublishTimeoutMs) * time.Millisecond
}

// FlushedBatch is the payload of the event.MetricsFlushed topic.
// Subscribers share it with the sinks and must not modify it.
type FlushedBatch struct {
	Drained   []*metrics.AggregatedMetric
	Coalesced []metrics.ValueSet
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock that drives the flusher.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithSink adds a sink next to the ones built from the plugins configuration.
func WithSink(s metrics.Sink) Option {
	return func(c *Client) {
		c.sinks = append(c.sinks, s)
	}
}

// WithoutDefaultLogger keeps the package default logger untouched. Plugins and other
// code logging through the log package then keep writing to it.
func WithoutDefaultLogger() Option {
	return func(c *Client) {
		c.keepDefaultLogger = true
	}
}

// Client wires the queue, the flusher, the sinks and the flush event topic together.
type Client struct {
	Logger        *log.StdLogger
	PluginManager *plugin.Manager
	Publisher     *event.Publisher

	clock       clock.Clock
	queue       *metrics.Queue
	instruments *metrics.Instruments
	sinks       []metrics.Sink
	limiter     metrics.Sink
	cfgMgr      config.ConfigManager

	lock    sync.Mutex
	cfg     *Config
	flusher *metrics.Flusher
	started bool

	keepDefaultLogger bool

	// tickLock is shared by every flusher the client creates, including those retired by Reload.
	tickLock sync.Mutex
}

// New builds a Client from cfg. Sink plugins named in cfg.Plugins are set up
// through the plugin manager, which knows the "prometheus" and "log" sinks.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		PluginManager: plugin.NewManager(),
		Publisher:     event.NewPublisher(),
		clock:         clock.New(),
		queue:         metrics.NewQueue(),
		cfg:           cfg,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.instruments = metrics.NewInstruments(c.queue, c.clock)
	c.Logger = log.NewLogger(cfg.Log)
	if !c.keepDefaultLogger {
		log.SetDefaultLogger(c.Logger)
	}

	c.PluginManager.RegisterFactory(prometheus.NewFactory())
	c.PluginManager.RegisterFactory(logsink.NewFactory())
	if err := c.PluginManager.SetupPlugins(cfg.Plugins); err != nil {
		c.PluginManager.DestroyPlugins()
		return nil, err
	}
	for _, p := range c.PluginManager.GetPlugins(plugin.Sink) {
		s, ok := p.(metrics.Sink)
		if !ok {
			c.PluginManager.DestroyPlugins()
			return nil, fmt.Errorf("%w: plugin %s is not a metrics sink", plugin.ErrFactorySetup, p.FactoryName())
		}
		c.sinks = append(c.sinks, s)
	}

	for _, topic := range []string{event.MetricsFlushed, event.ReloadConfig} {
		if err := c.Publisher.NewTopic(topic, cfg.publishTimeout()); err != nil {
			return nil, err
		}
	}

	c.limiter = newLimiter(cfg.RateLimit, metrics.SinkFunc(c.dispatch))
	c.flusher = c.newFlusher(cfg)

	c.Logger.Info().Int("sinks", len(c.sinks)).Dur("interval_ms", cfg.FlushInterval()).Msg("metricq initialized")
	return c, nil
}

// Load reads ConfigName from basePath, builds a Client and applies later edits of
// the file: flusher settings, log level and sink rate are updated in place.
// Plugin changes need a restart.
func Load(basePath string, opts ...Option) (*Client, error) {
	mgr := config.NewConfigManager()
	mgr.SetBasePath(basePath)

	cfg := &Config{}
	if err := mgr.LoadConfig(ConfigName, cfg); err != nil {
		_ = mgr.Close()
		return nil, err
	}

	c, err := New(cfg, opts...)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	c.cfgMgr = mgr
	mgr.RegisterHook(ConfigName, func(_, newVal config.Config) error {
		newCfg, ok := newVal.(*Config)
		if !ok {
			return fmt.Errorf("unexpected config type %T", newVal)
		}
		return c.Reload(newCfg)
	})
	return c, nil
}

func newLimiter(cfg RateLimitCfg, next metrics.Sink) metrics.Sink {
	switch cfg.Mode {
	case RateLimitToken:
		return metrics.NewTokenLimitSink(next, cfg.PerSec, cfg.Burst)
	case RateLimitFunnel:
		return metrics.NewFunnelLimitSink(next, int(cfg.PerSec))
	default:
		return next
	}
}

func (c *Client) newFlusher(cfg *Config) *metrics.Flusher {
	opts := []metrics.FlusherOption{
		metrics.WithDrainLimit(cfg.DrainLimit),
		metrics.WithClock(c.clock),
		metrics.WithLogger(c.Logger),
		metrics.WithTickLock(&c.tickLock),
	}
	if cfg.SkipEmpty {
		opts = append(opts, metrics.WithSkipEmpty())
	}
	return metrics.NewFlusher(c.queue, c.limiter.Flush, opts...)
}

// Add validates and buffers metrics. Nothing is buffered if any metric is invalid.
func (c *Client) Add(ms ...metrics.Metric) error {
	return c.queue.Add(ms...)
}

// Counter returns the counter handle named name.
func (c *Client) Counter(name string) *metrics.Counter {
	return c.instruments.Counter(name)
}

// Gauge returns the gauge handle named name.
func (c *Client) Gauge(name string, unit metrics.Unit) *metrics.Gauge {
	return c.instruments.Gauge(name, unit)
}

// StopWatch returns the stopwatch handle named name.
func (c *Client) StopWatch(name string) *metrics.StopWatch {
	return c.instruments.StopWatch(name)
}

// Queue returns the underlying buffer.
func (c *Client) Queue() *metrics.Queue {
	return c.queue
}

// Flusher returns the current flusher. Reload may replace it.
func (c *Client) Flusher() *metrics.Flusher {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.flusher
}

// Config returns the configuration in effect.
func (c *Client) Config() *Config {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cfg
}

// Subscribe registers fn for every flushed batch.
func (c *Client) Subscribe(fn func(FlushedBatch)) error {
	return c.Publisher.RegisterSubscriber(event.MetricsFlushed, func(param any) {
		if b, ok := param.(FlushedBatch); ok {
			fn(b)
		}
	})
}

// Start arms the flusher with the configured interval.
func (c *Client) Start() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.started = true
	c.flusher.Start(c.cfg.FlushInterval())
}

// Flush runs one tick now.
func (c *Client) Flush() {
	c.Flusher().Flush()
}

// Reload applies cfg. The flusher is replaced when its settings change; buffered
// metrics are flushed by the old one first.
func (c *Client) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.lock.Lock()
	old := c.cfg
	c.cfg = cfg
	var retired, fresh *metrics.Flusher
	if cfg.FlushInterval() != old.FlushInterval() || cfg.DrainLimit != old.DrainLimit || cfg.SkipEmpty != old.SkipEmpty {
		retired = c.flusher
		retired.Cancel()
		fresh = c.newFlusher(cfg)
		c.flusher = fresh
	}
	c.lock.Unlock()

	if retired != nil {
		// The retired batch goes out before the new flusher ticks.
		retired.Flush()

		c.lock.Lock()
		if c.started && c.flusher == fresh {
			fresh.Start(cfg.FlushInterval())
		}
		c.lock.Unlock()
	}
	if cfg.Log != nil {
		c.Logger.SetLevel(cfg.Log.LogLevel)
	}
	c.reloadLimiter(old.RateLimit, cfg.RateLimit)

	c.Logger.Info().Dur("interval_ms", cfg.FlushInterval()).Int("drain_limit", cfg.DrainLimit).
		Bool("skip_empty", cfg.SkipEmpty).Msg("metricq config reloaded")
	if err := c.Publisher.Publish(event.ReloadConfig, cfg); err != nil {
		c.Logger.Warn().Err(err).Msg("publish reload")
	}
	return nil
}

func (c *Client) reloadLimiter(old, cur RateLimitCfg) {
	if old == cur {
		return
	}
	if old.Mode != cur.Mode {
		c.Logger.Warn().Str("old", old.Mode).Str("new", cur.Mode).Msg("rate limit mode change needs a restart")
		return
	}
	switch l := c.limiter.(type) {
	case *metrics.TokenLimitSink:
		l.Reload(cur.PerSec, cur.Burst)
	case *metrics.FunnelLimitSink:
		l.Reload(int(cur.PerSec))
	}
}

// Stop cancels the flusher, flushes what is left, and releases sinks and watchers.
func (c *Client) Stop(ctx context.Context) error {
	c.lock.Lock()
	f := c.flusher
	c.started = false
	c.lock.Unlock()

	err := f.Shutdown(ctx)
	c.PluginManager.DestroyPlugins()
	if c.cfgMgr != nil {
		err = errors.Join(err, c.cfgMgr.Close())
	}
	c.Logger.Info().Msg("metricq stopped")
	return err
}

// dispatch hands a batch to every sink, then to the flush subscribers.
func (c *Client) dispatch(drained []*metrics.AggregatedMetric, coalesced []metrics.ValueSet) {
	for _, s := range c.sinks {
		c.deliver(s, drained, coalesced)
	}
	if err := c.Publisher.Publish(event.MetricsFlushed, FlushedBatch{Drained: drained, Coalesced: coalesced}); err != nil {
		c.Logger.Warn().Err(err).Msg("publish flushed batch")
	}
}

func (c *Client) deliver(s metrics.Sink, drained []*metrics.AggregatedMetric, coalesced []metrics.ValueSet) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error().Str("panic", fmt.Sprint(r)).Str("sink", fmt.Sprintf("%T", s)).Msg("sink panicked")
		}
	}()
	s.Flush(drained, coalesced)
}
