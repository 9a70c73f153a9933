package prometheus

import (
	"fmt"

	"github.com/linchenxuan/metricq/plugin"
)

type factory struct{}

// NewFactory returns the sink factory registered as "prometheus".
func NewFactory() plugin.Factory {
	return &factory{}
}

// Type returns the plugin type.
func (f *factory) Type() plugin.Type {
	return plugin.Sink
}

// Name returns the name of the plugin implementation.
func (f *factory) Name() string {
	return _factoryName
}

// ConfigType returns an empty Config for the manager to decode into.
func (f *factory) ConfigType() any {
	return &Config{}
}

// Setup builds and starts an Exporter.
func (f *factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*Config)
	if !ok {
		return nil, fmt.Errorf("prometheus setup: unexpected config type %T", cfgAny)
	}

	x, err := NewExporter(cfg)
	if err != nil {
		return nil, err
	}
	if err := x.Start(); err != nil {
		return nil, err
	}
	return x, nil
}

// Destroy stops an Exporter built by Setup.
func (f *factory) Destroy(p plugin.Plugin) {
	if x, ok := p.(*Exporter); ok {
		x.Stop()
	}
}
