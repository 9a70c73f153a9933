package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/linchenxuan/metricq/log"
	"github.com/spf13/viper"
)

const (
	_defaultBasePath = "./configs"
	_defaultEnv      = "development"
)

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	RegisterValidator(configName string, validator ValidatorFunc)
	RegisterHook(configName string, hook HookFunc)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
}

// ValidatorFunc is an extra check run after Config.Validate.
type ValidatorFunc func(Config) error

// HookFunc runs on a reload before the new value is stored.
// An error from any hook keeps the old value.
type HookFunc func(oldVal, newVal Config) error

type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	watchers   map[string]*fsnotify.Watcher
	validators map[string]ValidatorFunc
	hooks      map[string][]HookFunc
	basePath   string
	env        string
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:    make(map[string]Config),
		watchers:   make(map[string]*fsnotify.Watcher),
		validators: make(map[string]ValidatorFunc),
		hooks:      make(map[string][]HookFunc),
		basePath:   _defaultBasePath,
		env:        _defaultEnv,
	}
}

// LoadConfig reads, validates and stores configName, then watches its file.
// config must be a pointer; reloads create fresh values of the same type.
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v, err := cm.read(configName, config)
	if err != nil {
		return err
	}

	cm.configs[configName] = config
	if err := cm.watchConfigFile(configName, v); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}
	log.Info().Str("config", configName).Str("file", v.ConfigFileUsed()).Msg("config loaded")
	return nil
}

// read must be called with cm.mu held.
func (cm *configManager) read(configName string, config Config) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(filepath.Join(cm.basePath, cm.env))

	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config failed: %w", err)
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(config); err != nil {
			return nil, fmt.Errorf("validate config failed: %w", err)
		}
	}
	return v, nil
}

// GetConfig returns the current value of configName.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configName)
	}
	return config, nil
}

// RegisterValidator registers configuration validator
func (cm *configManager) RegisterValidator(configName string, validator ValidatorFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[configName] = validator
}

// RegisterHook registers configuration change hook
func (cm *configManager) RegisterHook(configName string, hook HookFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks[configName] = append(cm.hooks[configName], hook)
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// watchConfigFile must be called with cm.mu held.
func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}
	if old, ok := cm.watchers[configName]; ok {
		_ = old.Close()
		delete(cm.watchers, configName)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(configFile); err != nil {
		_ = watcher.Close()
		return err
	}
	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Str("config", configName).Msg("config watcher error")
			}
		}
	}()
	return nil
}

// reloadConfig re-reads configName into a fresh value of the same type. Any failure
// keeps the old value. Hooks run without the manager lock so they may call GetConfig.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.RLock()
	oldConfig, exists := cm.configs[configName]
	hooks := append([]HookFunc(nil), cm.hooks[configName]...)
	cm.mu.RUnlock()
	if !exists {
		return
	}

	newConfig := reflect.New(reflect.TypeOf(oldConfig).Elem()).Interface().(Config)

	cm.mu.RLock()
	v, err := cm.read(configName, newConfig)
	cm.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Str("config", configName).Msg("reload config failed, keep old")
		return
	}
	// a truncate-then-write save shows up as an empty file first
	if len(v.AllKeys()) == 0 {
		return
	}

	for _, hook := range hooks {
		if err := hook(oldConfig, newConfig); err != nil {
			log.Error().Err(err).Str("config", configName).Msg("reload config hook failed, keep old")
			return
		}
	}

	cm.mu.Lock()
	cm.configs[configName] = newConfig
	cm.mu.Unlock()
	log.Info().Str("config", configName).Msg("config reloaded")
}

// Close closes the configuration manager
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for name, watcher := range cm.watchers {
		delete(cm.watchers, name)
		if err := watcher.Close(); err != nil {
			return err
		}
	}
	return nil
}
