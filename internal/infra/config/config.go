package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PersonasConfig holds selection and activation settings.
type PersonasConfig struct {
	// MaxActive caps concurrently active personas.
	MaxActive int `yaml:"max_active"`
	// SelectionThreshold is the minimum qualifying confidence score
	// (0-100, inclusive).
	SelectionThreshold int `yaml:"selection_threshold"`
	// SelectionTimeout bounds one selection call.
	SelectionTimeout time.Duration `yaml:"selection_timeout"`
	// FallbackPersona, when set, is returned alone when no candidate
	// survives thresholding.
	FallbackPersona string `yaml:"fallback_persona,omitempty"`
	// Disabled lists built-in persona ids to register disabled.
	Disabled []string `yaml:"disabled,omitempty"`
}

// CacheConfig holds selection cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// DispatchConfig throttles command fan-out.
type DispatchConfig struct {
	// RatePerSecond limits persona command processing; 0 disables.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// BreakerConfig configures the per-persona circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// HistoryConfig configures the activation history store.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// MaintenanceConfig holds janitor schedules (robfig/cron syntax,
// "@every 1m" style descriptors included).
type MaintenanceConfig struct {
	CacheSweepSchedule  string `yaml:"cache_sweep_schedule"`
	HistoryTrimSchedule string `yaml:"history_trim_schedule"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<file path>
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout|noop
}

// Config is the top-level configuration.
type Config struct {
	Personas    PersonasConfig    `yaml:"personas"`
	Cache       CacheConfig       `yaml:"cache"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	History     HistoryConfig     `yaml:"history"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// Defaults returns a Config with production defaults.
func Defaults() *Config {
	return &Config{
		Personas: PersonasConfig{
			MaxActive:          3,
			SelectionThreshold: 30,
			SelectionTimeout:   5 * time.Second,
		},
		Cache: CacheConfig{
			TTL:        60 * time.Second,
			MaxEntries: 128,
		},
		Dispatch: DispatchConfig{
			RatePerSecond: 0,
			Burst:         1,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		History: HistoryConfig{
			Enabled:   false,
			Path:      "personakit-history.db",
			Retention: 30 * 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			CacheSweepSchedule:  "@every 1m",
			HistoryTrimSchedule: "@every 1h",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the config file at path, merging it over the defaults. A
// missing file is not an error: defaults are returned, validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
