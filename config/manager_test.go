package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linchenxuan/metricq/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name     string        `mapstructure:"name"`
	Interval time.Duration `mapstructure:"interval"`
	Level    log.Level     `mapstructure:"level"`
	Labels   []string      `mapstructure:"labels"`
	Limit    int           `mapstructure:"limit"`
}

func (c *testConfig) GetName() string { return c.Name }

func (c *testConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name cannot be empty")
	}
	if c.Limit < 0 {
		return errors.New("limit must be non-negative")
	}
	return nil
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "svc.yaml"), `
name: svc
interval: 250ms
level: debug
labels: a,b
limit: 10
`)

	cm := NewConfigManager()
	cm.SetBasePath(dir)
	defer cm.Close()

	cfg := &testConfig{}
	require.NoError(t, cm.LoadConfig("svc", cfg))
	assert.Equal(t, "svc", cfg.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, log.DebugLevel, cfg.Level)
	assert.Equal(t, []string{"a", "b"}, cfg.Labels)
	assert.Equal(t, 10, cfg.Limit)

	got, err := cm.GetConfig("svc")
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestLoadConfigFromEnvironmentDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "staging", "svc.yaml"), "name: staged\n")

	cm := NewConfigManager()
	cm.SetBasePath(dir)
	cm.SetEnvironment("staging")
	defer cm.Close()

	cfg := &testConfig{}
	require.NoError(t, cm.LoadConfig("svc", cfg))
	assert.Equal(t, "staged", cfg.Name)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "svc.yaml"), "name: svc\nlimit: 1\n")
	t.Setenv("SVC_LIMIT", "42")

	cm := NewConfigManager()
	cm.SetBasePath(dir)
	defer cm.Close()

	cfg := &testConfig{}
	require.NoError(t, cm.LoadConfig("svc", cfg))
	assert.Equal(t, 42, cfg.Limit)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cm := NewConfigManager()
	cm.SetBasePath(dir)
	defer cm.Close()

	t.Run("Missing", func(t *testing.T) {
		assert.Error(t, cm.LoadConfig("absent", &testConfig{}))
		_, err := cm.GetConfig("absent")
		assert.ErrorIs(t, err, ErrConfigNotFound)
	})

	t.Run("Invalid", func(t *testing.T) {
		writeFile(t, filepath.Join(dir, "bad.yaml"), "name: bad\nlimit: -1\n")
		assert.Error(t, cm.LoadConfig("bad", &testConfig{}))
	})

	t.Run("Validator", func(t *testing.T) {
		writeFile(t, filepath.Join(dir, "picky.yaml"), "name: picky\n")
		cm.RegisterValidator("picky", func(c Config) error {
			if c.(*testConfig).Limit == 0 {
				return errors.New("limit required")
			}
			return nil
		})
		assert.Error(t, cm.LoadConfig("picky", &testConfig{}))
	})

	t.Run("BadLevel", func(t *testing.T) {
		writeFile(t, filepath.Join(dir, "loud.yaml"), "name: loud\nlevel: loud\n")
		assert.Error(t, cm.LoadConfig("loud", &testConfig{}))
	})
}

func TestReloadRunsHooks(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "svc.yaml")
	writeFile(t, file, "name: svc\nlimit: 1\n")

	cm := NewConfigManager()
	cm.SetBasePath(dir)
	defer cm.Close()

	require.NoError(t, cm.LoadConfig("svc", &testConfig{}))

	var calls atomic.Int32
	var lastOld, lastNew atomic.Int64
	cm.RegisterHook("svc", func(oldVal, newVal Config) error {
		lastOld.Store(int64(oldVal.(*testConfig).Limit))
		lastNew.Store(int64(newVal.(*testConfig).Limit))
		calls.Add(1)
		return nil
	})

	writeFile(t, file, "name: svc\nlimit: 7\n")

	assert.Eventually(t, func() bool {
		cfg, err := cm.GetConfig("svc")
		return err == nil && cfg.(*testConfig).Limit == 7
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.Equal(t, int64(1), lastOld.Load())
	assert.Equal(t, int64(7), lastNew.Load())
}

func TestReloadKeepsOldValue(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "svc.yaml")
	writeFile(t, file, "name: svc\nlimit: 1\n")

	cm := NewConfigManager().(*configManager)
	cm.SetBasePath(dir)
	defer cm.Close()
	require.NoError(t, cm.LoadConfig("svc", &testConfig{}))

	t.Run("InvalidFile", func(t *testing.T) {
		writeFile(t, file, "name: svc\nlimit: -5\n")
		cm.reloadConfig("svc")
		cfg, _ := cm.GetConfig("svc")
		assert.Equal(t, 1, cfg.(*testConfig).Limit)
	})

	t.Run("HookRejects", func(t *testing.T) {
		cm.RegisterHook("svc", func(_, _ Config) error { return errors.New("no") })
		writeFile(t, file, "name: svc\nlimit: 3\n")
		cm.reloadConfig("svc")
		cfg, _ := cm.GetConfig("svc")
		assert.Equal(t, 1, cfg.(*testConfig).Limit)
	})
}
