package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validatePersonas(cfg, ve)
	validateCache(cfg, ve)
	validateDispatch(cfg, ve)
	validateHistory(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validatePersonas(cfg *Config, ve *ValidationError) {
	if cfg.Personas.MaxActive < 1 {
		ve.Add("personas.max_active must be >= 1")
	}
	if cfg.Personas.SelectionThreshold < 0 || cfg.Personas.SelectionThreshold > 100 {
		ve.Add("personas.selection_threshold must be in [0,100]")
	}
	if cfg.Personas.SelectionTimeout <= 0 {
		ve.Add("personas.selection_timeout must be > 0")
	}
}

func validateCache(cfg *Config, ve *ValidationError) {
	if cfg.Cache.TTL <= 0 {
		ve.Add("cache.ttl must be > 0")
	}
	if cfg.Cache.MaxEntries < 1 {
		ve.Add("cache.max_entries must be >= 1")
	}
}

func validateDispatch(cfg *Config, ve *ValidationError) {
	if cfg.Dispatch.RatePerSecond < 0 {
		ve.Add("dispatch.rate_per_second must be >= 0")
	}
	if cfg.Dispatch.RatePerSecond > 0 && cfg.Dispatch.Burst < 1 {
		ve.Add("dispatch.burst must be >= 1 when rate limiting is enabled")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if !cfg.History.Enabled {
		return
	}
	if cfg.History.Path == "" {
		ve.Add("history.path is required when history is enabled")
	}
	if cfg.History.Retention <= 0 {
		ve.Add("history.retention must be > 0 when history is enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug|info|warn|error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text|json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not one of stdout|noop", cfg.Tracer.Exporter)
	}
}
