package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

const (
	// DefaultInsName is the tag for the default plugin instance.
	DefaultInsName = "default"
)

var (
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrDuplicatePlugin     = errors.New("duplicate plugin")
	ErrInvalidConfigFormat = errors.New("invalid config format")
	ErrConfigDecode        = errors.New("config decode error")
	ErrFactorySetup        = errors.New("factory setup error")
)

type instance struct {
	plugin  Plugin
	factory Factory
}

// Manager holds the registered factories and the instances built from configuration.
type Manager struct {
	factories map[Type]map[string]Factory
	plugins   map[Type]map[string]instance
	lock      sync.RWMutex
}

// NewManager creates and returns a new Manager instance.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[Type]map[string]Factory),
		plugins:   make(map[Type]map[string]instance),
	}
}

// RegisterFactory registers a plugin factory, replacing one with the same type and name.
func (m *Manager) RegisterFactory(f Factory) {
	m.lock.Lock()
	defer m.lock.Unlock()

	factories, ok := m.factories[f.Type()]
	if !ok {
		factories = make(map[string]Factory)
		m.factories[f.Type()] = factories
	}
	factories[f.Name()] = f
}

// SetupPlugins builds every instance described by pluginConf, shaped as
// type -> factory name -> config map. An optional "tag" key in a config map names the
// instance; the factory name is used otherwise. Types without a registered factory are skipped.
func (m *Manager) SetupPlugins(pluginConf map[string]any) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for typeName, plugins := range pluginConf {
		pluginType := Type(typeName)
		factories, ok := m.factories[pluginType]
		if !ok {
			continue
		}

		pluginsMap, ok := plugins.(map[string]any)
		if !ok {
			return fmt.Errorf("%w for plugin type '%s'", ErrInvalidConfigFormat, pluginType)
		}

		for name, config := range pluginsMap {
			factory, ok := factories[name]
			if !ok {
				return fmt.Errorf("%w: plugin factory not found for type '%s' and name '%s'", ErrPluginNotFound, pluginType, name)
			}

			configMap, ok := config.(map[string]any)
			if !ok {
				return fmt.Errorf("%w for plugin '%s':'%s'", ErrInvalidConfigFormat, pluginType, name)
			}

			targetConfig := factory.ConfigType()
			if targetConfig == nil {
				return fmt.Errorf("%w: plugin factory '%s':'%s' did not provide a configuration type", ErrInvalidConfigFormat, pluginType, name)
			}

			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				WeaklyTypedInput: true,
				DecodeHook: mapstructure.ComposeDecodeHookFunc(
					mapstructure.TextUnmarshallerHookFunc(),
					mapstructure.StringToTimeDurationHookFunc(),
				),
				Result: targetConfig,
			})
			if err != nil {
				return fmt.Errorf("%w: failed to create config decoder for plugin '%s':'%s': %v", ErrConfigDecode, pluginType, name, err)
			}
			if err := decoder.Decode(configMap); err != nil {
				return fmt.Errorf("%w: failed to decode config for plugin '%s':'%s': %v", ErrConfigDecode, pluginType, name, err)
			}

			key := name
			if tag, ok := configMap["tag"].(string); ok && tag != "" {
				key = tag
			}
			if _, exists := m.plugins[pluginType][key]; exists {
				return fmt.Errorf("%w: duplicate plugin tag/name '%s' for type '%s'", ErrDuplicatePlugin, key, pluginType)
			}

			ins, err := factory.Setup(targetConfig)
			if err != nil {
				return fmt.Errorf("%w: failed to setup plugin '%s':'%s': %v", ErrFactorySetup, pluginType, name, err)
			}

			if _, ok := m.plugins[pluginType]; !ok {
				m.plugins[pluginType] = make(map[string]instance)
			}
			m.plugins[pluginType][key] = instance{plugin: ins, factory: factory}
		}
	}
	return nil
}

// GetPlugin returns the instance registered under a tag or factory name.
func (m *Manager) GetPlugin(typ Type, name string) (Plugin, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	plugins, ok := m.plugins[typ]
	if !ok {
		return nil, fmt.Errorf("%w: no plugins found for type '%s'", ErrPluginNotFound, typ)
	}

	ins, ok := plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: plugin '%s' not found for type '%s'", ErrPluginNotFound, name, typ)
	}
	return ins.plugin, nil
}

// GetDefaultPlugin returns the instance tagged DefaultInsName.
func (m *Manager) GetDefaultPlugin(typ Type) (Plugin, error) {
	return m.GetPlugin(typ, DefaultInsName)
}

// GetPlugins returns every instance of a type, ordered by tag.
func (m *Manager) GetPlugins(typ Type) []Plugin {
	m.lock.RLock()
	defer m.lock.RUnlock()

	keys := make([]string, 0, len(m.plugins[typ]))
	for k := range m.plugins[typ] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Plugin, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.plugins[typ][k].plugin)
	}
	return out
}

// DestroyPlugins hands every instance back to its factory and forgets it.
func (m *Manager) DestroyPlugins() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for typ, plugins := range m.plugins {
		for _, ins := range plugins {
			ins.factory.Destroy(ins.plugin)
		}
		delete(m.plugins, typ)
	}
}
