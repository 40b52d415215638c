// Package config handles application configuration
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"todocal/internal/calendar"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Backend names accepted by the backend key
const (
	BackendSQLite   = "sqlite"
	BackendSupabase = "supabase"
)

// Environment overrides
const (
	EnvSupabaseURL     = "TODOCAL_SUPABASE_URL"
	EnvSupabaseAnonKey = "TODOCAL_SUPABASE_ANON_KEY"
)

// Config represents the application configuration
type Config struct {
	Backend   string         `yaml:"backend"`
	Supabase  SupabaseConfig `yaml:"supabase"`
	SQLite    SQLiteConfig   `yaml:"sqlite"`
	Logging   LoggingConfig  `yaml:"logging"`
	WeekStart string         `yaml:"week_start"`
	NoPrompt  bool           `yaml:"no_prompt"`
	Output    string         `yaml:"output_format"`
}

// SupabaseConfig holds the hosted backend settings
type SupabaseConfig struct {
	URL      string `yaml:"url"`
	AnonKey  string `yaml:"anon_key"`
	Realtime *bool  `yaml:"realtime"` // default: true
}

// SQLiteConfig holds the local backend settings
type SQLiteConfig struct {
	Path  string `yaml:"path"`
	Watch *bool  `yaml:"watch"` // reload when another process writes the file (default: true)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Verbose           bool  `yaml:"verbose"`
	BackgroundEnabled *bool `yaml:"background_enabled"` // log file for watch and tui (default: true)
	MaxSizeMB         int   `yaml:"max_size_mb"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills unset fields
func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = filepath.Join(GetDataDir(), "todocal.db")
	}
	if c.WeekStart == "" {
		c.WeekStart = "sunday"
	}
	if c.Output == "" {
		c.Output = "text"
	}
	c.SQLite.Path = ExpandPath(c.SQLite.Path)
}

// applyEnv lets the environment override the Supabase project
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSupabaseURL); v != "" {
		c.Supabase.URL = v
	}
	if v := os.Getenv(EnvSupabaseAnonKey); v != "" {
		c.Supabase.AnonKey = v
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/todocal/config.yaml
func DefaultPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it is created from the sample.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := writeSample(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, then applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// writeSample copies the embedded sample config to path
func writeSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Output != "text" && c.Output != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.Output)
	}
	if _, err := calendar.ParseWeekStart(c.WeekStart); err != nil {
		return fmt.Errorf("invalid week_start: %w", err)
	}
	if c.Logging.MaxSizeMB < 0 {
		return fmt.Errorf("logging.max_size_mb must not be negative, got %d", c.Logging.MaxSizeMB)
	}

	switch c.Backend {
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required for the sqlite backend")
		}
	case BackendSupabase:
		if c.Supabase.URL == "" || c.Supabase.AnonKey == "" {
			return fmt.Errorf("supabase.url and supabase.anon_key are required for the supabase backend (or set %s and %s)", EnvSupabaseURL, EnvSupabaseAnonKey)
		}
		u, err := url.Parse(c.Supabase.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid supabase.url: %q", c.Supabase.URL)
		}
	default:
		return fmt.Errorf("unknown backend: %q (must be 'sqlite' or 'supabase')", c.Backend)
	}
	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noPrompt, verbose bool, outputFormat string) {
	if noPrompt {
		c.NoPrompt = true
	}
	if verbose {
		c.Logging.Verbose = true
	}
	if outputFormat != "" {
		c.Output = outputFormat
	}
}

// IsRealtimeEnabled returns true unless supabase.realtime is false
func (c *Config) IsRealtimeEnabled() bool {
	if c.Supabase.Realtime == nil {
		return true
	}
	return *c.Supabase.Realtime
}

// IsWatchEnabled returns true unless sqlite.watch is false
func (c *Config) IsWatchEnabled() bool {
	if c.SQLite.Watch == nil {
		return true
	}
	return *c.SQLite.Watch
}

// IsBackgroundLoggingEnabled returns true if background logging is enabled.
// Returns true (default) if not configured.
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true // Default: enabled
	}
	return *c.Logging.BackgroundEnabled
}

// WeekStartDay returns the first column of the month grid
func (c *Config) WeekStartDay() time.Weekday {
	ws, _ := calendar.ParseWeekStart(c.WeekStart)
	return ws
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "todocal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "todocal")
	}
	return filepath.Join(home, fallbackPath, "todocal")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" || path == ":memory:" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
