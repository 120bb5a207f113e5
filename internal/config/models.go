package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/AcqBridge/internal/logger"
)

// Config represents the application configuration
type Config struct {
	ServerHost  string            `json:"server_host" yaml:"server_host"`
	ServerPort  int               `json:"server_port" yaml:"server_port"` // 0 picks a free port
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogPretty   bool              `json:"log_pretty" yaml:"log_pretty"`
	Acquisition AcquisitionConfig `json:"acquisition" yaml:"acquisition"`
	Viewer      ViewerConfig      `json:"viewer" yaml:"viewer"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
}

// AcquisitionConfig holds where acquired data is stored. Leaving either
// field empty disables storage.
type AcquisitionConfig struct {
	DataLocation string `json:"data_location" yaml:"data_location"`
	Name         string `json:"name" yaml:"name"`
	ShowViewer   bool   `json:"show_viewer" yaml:"show_viewer"`
}

// ViewerConfig represents live viewer configuration
type ViewerConfig struct {
	DebounceMs  int `json:"debounce_ms" yaml:"debounce_ms"`
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// Debounce returns the metadata debounce window
func (v ViewerConfig) Debounce() time.Duration {
	return time.Duration(v.DebounceMs) * time.Millisecond
}

// EngineConfig represents synthetic engine configuration
type EngineConfig struct {
	Frames     int `json:"frames" yaml:"frames"`
	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
	BitDepth   int `json:"bit_depth" yaml:"bit_depth"`
	IntervalMs int `json:"interval_ms" yaml:"interval_ms"`
}

// Interval returns the time between frames
func (e EngineConfig) Interval() time.Duration {
	return time.Duration(e.IntervalMs) * time.Millisecond
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerHost: "127.0.0.1",
		ServerPort: 0,
		LogLevel:   "info",
		Viewer: ViewerConfig{
			DebounceMs:  125,
			JPEGQuality: 90,
		},
		Engine: EngineConfig{
			Frames:     10,
			Width:      256,
			Height:     256,
			BitDepth:   16,
			IntervalMs: 100,
		},
	}
}

// Validate checks the configuration for values no component accepts
func (c *Config) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.ServerPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Viewer.DebounceMs < 0 {
		return fmt.Errorf("viewer.debounce_ms must not be negative")
	}
	if c.Viewer.JPEGQuality < 1 || c.Viewer.JPEGQuality > 100 {
		return fmt.Errorf("viewer.jpeg_quality must be between 1 and 100, got %d", c.Viewer.JPEGQuality)
	}
	if c.Engine.Frames < 0 {
		return fmt.Errorf("engine.frames must not be negative")
	}
	if c.Engine.Width <= 0 || c.Engine.Height <= 0 {
		return fmt.Errorf("engine frame size must be positive, got %dx%d", c.Engine.Width, c.Engine.Height)
	}
	if c.Engine.BitDepth != 8 && c.Engine.BitDepth != 16 {
		return fmt.Errorf("engine.bit_depth must be 8 or 16, got %d", c.Engine.BitDepth)
	}
	if c.Engine.IntervalMs < 0 {
		return fmt.Errorf("engine.interval_ms must not be negative")
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns ~/.config/acqbridge/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "acqbridge", "config.yaml"), nil
}

// NewManager creates a new configuration manager. An empty configFile
// selects DefaultPath. A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	// Try to read config file
	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config loaded")

	return m, nil
}

// Load reads the configuration without creating it. An empty configFile
// selects DefaultPath; a missing file yields the defaults.
func Load(configFile string) (*Config, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg, err := read(path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	return cfg, err
}

// read parses the file at path. Keys missing from the file keep their
// default values.
func read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// load reads the configuration from disk
func (m *Manager) load() error {
	cfg, err := read(m.configPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	// Ensure the directory exists
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// setters maps the dotted keys accepted by Set onto config fields
var setters = map[string]func(c *Config, v string) error{
	"server_host": func(c *Config, v string) error { c.ServerHost = v; return nil },
	"server_port": intSetter(func(c *Config) *int { return &c.ServerPort }),
	"log_level":   func(c *Config, v string) error { c.LogLevel = v; return nil },
	"log_pretty":  boolSetter(func(c *Config) *bool { return &c.LogPretty }),

	"acquisition.data_location": func(c *Config, v string) error { c.Acquisition.DataLocation = v; return nil },
	"acquisition.name":          func(c *Config, v string) error { c.Acquisition.Name = v; return nil },
	"acquisition.show_viewer":   boolSetter(func(c *Config) *bool { return &c.Acquisition.ShowViewer }),

	"viewer.debounce_ms":  intSetter(func(c *Config) *int { return &c.Viewer.DebounceMs }),
	"viewer.jpeg_quality": intSetter(func(c *Config) *int { return &c.Viewer.JPEGQuality }),

	"engine.frames":      intSetter(func(c *Config) *int { return &c.Engine.Frames }),
	"engine.width":       intSetter(func(c *Config) *int { return &c.Engine.Width }),
	"engine.height":      intSetter(func(c *Config) *int { return &c.Engine.Height }),
	"engine.bit_depth":   intSetter(func(c *Config) *int { return &c.Engine.BitDepth }),
	"engine.interval_ms": intSetter(func(c *Config) *int { return &c.Engine.IntervalMs }),
}

func intSetter(field func(c *Config) *int) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid number %q", v)
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(c *Config) *bool) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*field(c) = b
		return nil
	}
}

// Keys returns the keys accepted by Set, sorted
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set updates one key and saves. The configuration is left untouched when
// the value is invalid.
func (m *Manager) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(Keys(), ", "))
	}
	cfg := m.Get()
	if err := set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return m.Update(cfg)
}

// SetPort sets the event source port
func (m *Manager) SetPort(port int) error {
	return m.Set("server_port", strconv.Itoa(port))
}

// GetPort gets the event source port
func (m *Manager) GetPort() int {
	return m.Get().ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.Set("log_level", level)
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	return m.Get().LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
