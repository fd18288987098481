package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	// Every cadence and timeout must be positive
	durations := []struct {
		field string
		value time.Duration
	}{
		{"backend.startup_grace", cfg.Backend.StartupGrace},
		{"backend.stop_grace", cfg.Backend.StopGrace},
		{"backend.port_free_timeout", cfg.Backend.PortFreeTimeout},
		{"api.timeout", cfg.API.Timeout},
		{"api.probe_timeout", cfg.API.ProbeTimeout},
		{"health.fast_interval", cfg.Health.FastInterval},
		{"health.slow_interval", cfg.Health.SlowInterval},
		{"health.sync_interval", cfg.Health.SyncInterval},
		{"training.poll_interval", cfg.Training.PollInterval},
		{"training.timeout", cfg.Training.Timeout},
		{"training.legacy_timeout", cfg.Training.LegacyTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, &ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: "must be positive",
			})
		}
	}

	if len(cfg.Backend.Args) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "backend.args",
			Value:   cfg.Backend.Args,
			Message: "must not be empty",
		})
	}

	if cfg.Backend.OutputLines < 1 {
		errs = append(errs, &ValidationError{
			Field:   "backend.output_lines",
			Value:   cfg.Backend.OutputLines,
			Message: "must be at least 1",
		})
	}

	if !slices.Contains(Devices(), cfg.Backend.Device) {
		errs = append(errs, &ValidationError{
			Field:   "backend.device",
			Value:   cfg.Backend.Device,
			Message: "must be one of: " + strings.Join(Devices(), ", "),
		})
	}

	if cfg.API.Scheme != "http" && cfg.API.Scheme != "https" {
		errs = append(errs, &ValidationError{
			Field:   "api.scheme",
			Value:   cfg.API.Scheme,
			Message: "must be http or https",
		})
	}

	if cfg.Training.Epochs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "training.epochs",
			Value:   cfg.Training.Epochs,
			Message: "must be at least 1",
		})
	}

	if cfg.Training.ModelType == "" {
		errs = append(errs, &ValidationError{
			Field:   "training.model_type",
			Value:   cfg.Training.ModelType,
			Message: "must not be empty",
		})
	}

	if cfg.Setup.VenvDir == "" {
		errs = append(errs, &ValidationError{
			Field:   "setup.venv_dir",
			Value:   cfg.Setup.VenvDir,
			Message: "must not be empty",
		})
	}

	if u, err := url.Parse(cfg.Setup.BootstrapURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "setup.bootstrap_url",
			Value:   cfg.Setup.BootstrapURL,
			Message: "must be an absolute URL",
		})
	}

	// LogLevel must be one of: debug, info, warn, error (case-sensitive)
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{
			Field:   "log_level",
			Value:   cfg.LogLevel,
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, &ValidationError{
			Field:   "log_format",
			Value:   cfg.LogFormat,
			Message: "must be console or json",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
