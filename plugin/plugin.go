// Package plugin is a registry of factories that build configured plugin instances,
// such as the sinks a flushed metric batch is delivered to.
package plugin

// Type is the type of plugin supported by the system.
type Type string

const (
	// Sink plugins receive every flushed batch.
	Sink Type = "sink"
)

// Factory builds plugin instances of one implementation.
type Factory interface {
	// Type returns the plugin type.
	Type() Type
	// Name returns the name of the plugin implementation.
	Name() string
	// ConfigType returns a pointer to an empty configuration struct.
	// The manager decodes the raw configuration into it using mapstructure.
	ConfigType() any
	// Setup builds an instance from the decoded configuration.
	Setup(any) (Plugin, error)
	// Destroy releases an instance built by Setup.
	Destroy(Plugin)
}

// Plugin is a configured instance.
type Plugin interface {
	FactoryName() string
}
