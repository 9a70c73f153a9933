// Package logsink writes flushed metric batches through the structured logger.
package logsink

import (
	"fmt"

	"github.com/linchenxuan/metricq/log"
	"github.com/linchenxuan/metricq/metrics"
	"github.com/linchenxuan/metricq/metrics/codec"
	"github.com/linchenxuan/metricq/plugin"
	"google.golang.org/protobuf/encoding/protojson"
)

const _factoryName = "log"

// Config configures a Sink.
type Config struct {
	Tag       string    `mapstructure:"tag"`
	Level     log.Level `mapstructure:"level"`     // Level of the written lines, Info when unset
	PerEntry  bool      `mapstructure:"perEntry"`  // One line per coalesced entry instead of one per batch
	SkipEmpty bool      `mapstructure:"skipEmpty"` // Write nothing for empty batches
}

// Sink logs every coalesced batch as JSON.
type Sink struct {
	cfg    Config
	logger *log.StdLogger
}

// New creates a sink that writes to logger, or to the default logger when nil.
func New(cfg Config, logger *log.StdLogger) *Sink {
	if cfg.Level == 0 {
		cfg.Level = log.InfoLevel
	}
	return &Sink{cfg: cfg, logger: logger}
}

// FactoryName implements plugin.Plugin.
func (s *Sink) FactoryName() string {
	return _factoryName
}

// Flush writes the coalesced view of the batch.
func (s *Sink) Flush(drained []*metrics.AggregatedMetric, coalesced []metrics.ValueSet) {
	if len(coalesced) == 0 && s.cfg.SkipEmpty {
		return
	}

	if !s.cfg.PerEntry {
		body, err := codec.MarshalJSON(coalesced)
		if err != nil {
			s.event(log.ErrorLevel).Err(err).Msg("encode metric batch")
			return
		}
		s.event(s.cfg.Level).Int("groups", len(drained)).Int("entries", len(coalesced)).
			RawJSON("metrics", body).Msg("metrics flushed")
		return
	}

	for _, vs := range coalesced {
		st, err := codec.EncodeValueSet(vs)
		if err != nil {
			s.event(log.ErrorLevel).Err(err).Str("metric", vs.Name).Msg("encode metric")
			continue
		}
		body, err := protojson.Marshal(st)
		if err != nil {
			s.event(log.ErrorLevel).Err(err).Str("metric", vs.Name).Msg("encode metric")
			continue
		}
		s.event(s.cfg.Level).RawJSON("metric", body).Msg("metric flushed")
	}
}

func (s *Sink) event(level log.Level) *log.LogEvent {
	l := s.logger
	if l == nil {
		l = log.DefaultLogger()
	}
	switch level {
	case log.TraceLevel:
		return l.Trace()
	case log.DebugLevel:
		return l.Debug()
	case log.WarnLevel:
		return l.Warn()
	case log.ErrorLevel, log.FatalLevel:
		return l.Error()
	default:
		return l.Info()
	}
}

type factory struct{}

// NewFactory returns the sink factory registered as "log".
func NewFactory() plugin.Factory {
	return &factory{}
}

func (f *factory) Type() plugin.Type { return plugin.Sink }

func (f *factory) Name() string { return _factoryName }

func (f *factory) ConfigType() any { return &Config{} }

func (f *factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*Config)
	if !ok {
		return nil, fmt.Errorf("log sink setup: unexpected config type %T", cfgAny)
	}
	return New(*cfg, nil), nil
}

func (f *factory) Destroy(plugin.Plugin) {}
