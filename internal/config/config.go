// Package config handles configuration loading and management for colony.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/colony/internal/sqlitedb"
)

// ErrNotConfigured is returned when the task store can't be used with the
// loaded configuration.
var ErrNotConfigured = errors.New("task store is not configured")

// DriverMemory keeps tasks in process memory. Useful for trying things out.
const DriverMemory = "memory"

// Config holds all configuration for colony.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Safety       SafetyConfig       `mapstructure:"safety"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Log          LogConfig          `mapstructure:"log"`
}

// StoreConfig locates the shared task store.
type StoreConfig struct {
	// Driver is "sqlite" (pure Go), "sqlite3" (cgo) or "memory".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	Tenant string `mapstructure:"tenant"`
}

// RuntimeConfig holds the worker runtime defaults.
type RuntimeConfig struct {
	Limit           int           `mapstructure:"limit"`
	MaxSeconds      int           `mapstructure:"max_seconds"`
	MaxFailures     int           `mapstructure:"max_failures"`
	SleepSeconds    int           `mapstructure:"sleep_seconds"`
	BatchSize       int           `mapstructure:"batch_size"`
	Workers         int           `mapstructure:"workers"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	// SignalsDir holds the stop and pause files watched by run-loop.
	SignalsDir string `mapstructure:"signals_dir"`
}

// OrchestratorConfig holds in-process orchestration settings.
type OrchestratorConfig struct {
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// MemoryConfig locates the memory database.
type MemoryConfig struct {
	Path string `mapstructure:"path"`
}

// SafetyConfig holds the risk classifier settings.
type SafetyConfig struct {
	// KeywordsFile is an optional YAML file overriding the built-in keyword lists.
	KeywordsFile string `mapstructure:"keywords_file"`
	// Watch reloads KeywordsFile when it changes.
	Watch bool `mapstructure:"watch"`
}

// AnthropicConfig holds model settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	// TaskModels overrides Model per task type.
	TaskModels map[string]string `mapstructure:"task_models"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks that the store section is usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case sqlitedb.DriverModernc, sqlitedb.DriverCGO:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is empty", ErrNotConfigured)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrNotConfigured, c.Store.Driver)
	}
	if c.Store.Tenant == "" {
		return fmt.Errorf("%w: store.tenant is empty (set COLONY_STORE_TENANT or --tenant)", ErrNotConfigured)
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (COLONY_<SECTION>_<KEY>, ANTHROPIC_API_KEY)
// 2. Project config (.colony.yaml in current directory or parent)
// 3. User config (~/.config/colony/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
// Environment variables still take precedence.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("colony")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "COLONY_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)
	cfg.Memory.Path = os.ExpandEnv(cfg.Memory.Path)
	return cfg, nil
}

// Set writes a single key to the user config file, creating it if needed.
func Set(key string, value any) error {
	if !IsKnownKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}

	v := viper.New()
	path := UserConfigPath()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading user config: %w", err)
	}
	v.Set(key, value)
	return write(v, path)
}

// Save writes the whole configuration to the user config file.
func Save(cfg *Config) error {
	v := viper.New()
	for k, val := range cfg.Values() {
		v.Set(k, val)
	}
	return write(v, UserConfigPath())
}

// Values returns every setting keyed by its dotted name. Durations are
// rendered as strings.
func (c *Config) Values() map[string]any {
	return map[string]any{
		"store.driver":                  c.Store.Driver,
		"store.path":                    c.Store.Path,
		"store.tenant":                  c.Store.Tenant,
		"runtime.limit":                 c.Runtime.Limit,
		"runtime.max_seconds":           c.Runtime.MaxSeconds,
		"runtime.max_failures":          c.Runtime.MaxFailures,
		"runtime.sleep_seconds":         c.Runtime.SleepSeconds,
		"runtime.batch_size":            c.Runtime.BatchSize,
		"runtime.workers":               c.Runtime.Workers,
		"runtime.dispatch_timeout":      c.Runtime.DispatchTimeout.String(),
		"runtime.signals_dir":           c.Runtime.SignalsDir,
		"orchestrator.dispatch_timeout": c.Orchestrator.DispatchTimeout.String(),
		"memory.path":                   c.Memory.Path,
		"safety.keywords_file":          c.Safety.KeywordsFile,
		"safety.watch":                  c.Safety.Watch,
		"anthropic.api_key":             c.Anthropic.APIKey,
		"anthropic.model":               c.Anthropic.Model,
		"anthropic.task_models":         c.Anthropic.TaskModels,
		"anthropic.use_bedrock":         c.Anthropic.UseBedrock,
		"anthropic.aws_region":          c.Anthropic.AWSRegion,
		"anthropic.aws_profile":         c.Anthropic.AWSProfile,
		"log.level":                     c.Log.Level,
		"log.format":                    c.Log.Format,
	}
}

func write(v *viper.Viper, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// UserConfigPath returns the path to the user config file.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

// ProjectConfigPath returns the path to the project config file if it exists.
func ProjectConfigPath() string {
	return findProjectConfig()
}

// Keys returns every configuration key in dotted form.
func Keys() []string {
	v := viper.New()
	setDefaults(v)
	return v.AllKeys()
}

// IsKnownKey reports whether key is a configuration key.
func IsKnownKey(key string) bool {
	for _, k := range Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	for k, val := range Default().Values() {
		v.SetDefault(k, val)
	}
}

// Default returns a Config with default values.
func Default() *Config {
	dataDir := sqlitedb.DataDir()
	return &Config{
		Store: StoreConfig{
			Driver: sqlitedb.DriverModernc,
			Path:   sqlitedb.DefaultPath(),
		},
		Runtime: RuntimeConfig{
			Limit:           10,
			MaxSeconds:      0,
			MaxFailures:     0,
			SleepSeconds:    1,
			BatchSize:       10,
			Workers:         1,
			DispatchTimeout: 5 * time.Minute,
			SignalsDir:      filepath.Join(dataDir, "signals"),
		},
		Orchestrator: OrchestratorConfig{
			DispatchTimeout: 5 * time.Minute,
		},
		Memory: MemoryConfig{
			Path: filepath.Join(dataDir, "memory.db"),
		},
		Anthropic: AnthropicConfig{
			TaskModels: map[string]string{},
			AWSRegion:  "us-east-1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// userConfigDir returns the XDG config directory for colony.
func userConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "colony")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "colony")
	}
	return filepath.Join(home, ".config", "colony")
}

// findProjectConfig searches for .colony.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".colony.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
