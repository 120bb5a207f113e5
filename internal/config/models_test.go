package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m, err := NewManager(path)
	require.NoError(t, err)

	assert.Equal(t, path, m.GetConfigPath())
	assert.Equal(t, filepath.Dir(path), m.GetConfigDir())
	assert.FileExists(t, path)
	assert.Equal(t, Defaults(), m.Get())
}

func TestNewManager_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("log_level: debug\nacquisition:\n  data_location: /data\n  name: run\nengine:\n  frames: 3\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/data", cfg.Acquisition.DataLocation)
	assert.Equal(t, "run", cfg.Acquisition.Name)
	assert.Equal(t, 3, cfg.Engine.Frames)
	assert.Equal(t, 16, cfg.Engine.BitDepth)
	assert.Equal(t, 125, cfg.Viewer.DebounceMs)
}

func TestLoad_DoesNotCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.NoFileExists(t, path)
	assert.NoDirExists(t, filepath.Dir(path))
}

func TestLoad_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\nlog_pretty: true\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.LogPretty)

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  bit_depth: 12\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestNewManager_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("engine: [\n"), 0644))
	_, err := NewManager(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  bit_depth: 12\n"), 0644))
	_, err = NewManager(path)
	assert.ErrorContains(t, err, "bit_depth")
}

func TestManager_Set(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.Set("acquisition.name", "run"))
	require.NoError(t, m.Set("acquisition.show_viewer", "true"))
	require.NoError(t, m.Set("engine.interval_ms", "20"))
	require.NoError(t, m.SetPort(9000))
	require.NoError(t, m.SetLogLevel("warn"))

	t.Run("invalid values leave config untouched", func(t *testing.T) {
		assert.Error(t, m.Set("engine.bit_depth", "12"))
		assert.Error(t, m.Set("engine.frames", "many"))
		assert.Error(t, m.Set("log_pretty", "maybe"))
		assert.ErrorContains(t, m.Set("nope", "1"), "unknown config key")
		assert.Equal(t, 16, m.Get().Engine.BitDepth)
	})

	// reload from disk
	reloaded, err := NewManager(path)
	require.NoError(t, err)
	cfg := reloaded.Get()
	assert.Equal(t, "run", cfg.Acquisition.Name)
	assert.True(t, cfg.Acquisition.ShowViewer)
	assert.Equal(t, 20, cfg.Engine.IntervalMs)
	assert.Equal(t, 9000, reloaded.GetPort())
	assert.Equal(t, "warn", reloaded.GetLogLevel())
	assert.Equal(t, int64(20), cfg.Engine.Interval().Milliseconds())
}

func TestManager_GetReturnsCopy(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	cfg := m.Get()
	cfg.LogLevel = "debug"
	assert.Equal(t, "info", m.Get().LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.ServerPort = 70000 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"debounce", func(c *Config) { c.Viewer.DebounceMs = -1 }},
		{"jpeg quality", func(c *Config) { c.Viewer.JPEGQuality = 0 }},
		{"frames", func(c *Config) { c.Engine.Frames = -1 }},
		{"size", func(c *Config) { c.Engine.Width = 0 }},
		{"bit depth", func(c *Config) { c.Engine.BitDepth = 10 }},
		{"interval", func(c *Config) { c.Engine.IntervalMs = -5 }},
	}

	assert.NoError(t, Defaults().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestKeysSorted(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "acquisition.data_location")
	assert.IsIncreasing(t, keys)
}
