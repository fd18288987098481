package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for polaris.
// It is immutable after creation via LoadConfig().
type Config struct {
	// Backend describes the local backend installation and how it is launched
	Backend BackendConfig `mapstructure:"backend"`

	// API locates the backend's HTTP API
	API APIConfig `mapstructure:"api"`

	// Health controls the reconciler tick cadences
	Health HealthConfig `mapstructure:"health"`

	// Training controls remote training jobs
	Training TrainingConfig `mapstructure:"training"`

	// Setup controls environment provisioning
	Setup SetupConfig `mapstructure:"setup"`

	// Status configures the local status server
	Status StatusConfig `mapstructure:"status"`

	// History configures the run history database
	History HistoryConfig `mapstructure:"history"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level"`

	// LogFormat selects the log encoder: console or json
	LogFormat string `mapstructure:"log_format"`
}

// BackendConfig describes the Python backend process.
type BackendConfig struct {
	// Path is the backend checkout. Empty means resolve from
	// DPOLARIS_AI_PATH and the well-known candidate locations.
	Path string `mapstructure:"path"`

	// Python overrides the interpreter used when the backend has no venv
	Python string `mapstructure:"python"`

	// Args are passed to the interpreter, run from Path
	Args []string `mapstructure:"args"`

	// ReadinessMarkers are output substrings that mean the server is up
	ReadinessMarkers []string `mapstructure:"readiness_markers"`

	// StartupGrace is how long to wait before the first readiness probe
	StartupGrace time.Duration `mapstructure:"startup_grace"`

	// StopGrace is how long a terminated backend has before it is killed
	StopGrace time.Duration `mapstructure:"stop_grace"`

	// OutputLines bounds the retained backend output
	OutputLines int `mapstructure:"output_lines"`

	// Device is the compute device preference handed to the backend as
	// DPOLARIS_DEVICE: auto, cpu, mps or cuda
	Device string `mapstructure:"device"`

	// PIDFile records the pid of a backend started by polaris. Empty
	// disables it.
	PIDFile string `mapstructure:"pid_file"`

	// PortFreeTimeout bounds how long a restart waits for the API port
	PortFreeTimeout time.Duration `mapstructure:"port_free_timeout"`
}

// APIConfig locates the backend HTTP API.
type APIConfig struct {
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`

	// Timeout bounds ordinary API calls
	Timeout time.Duration `mapstructure:"timeout"`

	// ProbeTimeout bounds a single /health probe
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// HealthConfig holds the reconciler cadences.
type HealthConfig struct {
	FastInterval time.Duration `mapstructure:"fast_interval"`
	SlowInterval time.Duration `mapstructure:"slow_interval"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// TrainingConfig controls deep-learning and stable training.
type TrainingConfig struct {
	// PollInterval is the delay between job status polls
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Timeout is the overall deadline for one polled job
	Timeout time.Duration `mapstructure:"timeout"`

	// LegacyTimeout bounds the synchronous fallback endpoint
	LegacyTimeout time.Duration `mapstructure:"legacy_timeout"`

	Epochs    int    `mapstructure:"epochs"`
	ModelType string `mapstructure:"model_type"`
}

// SetupConfig controls the environment setup pipeline.
type SetupConfig struct {
	// VenvDir is the virtual environment directory, relative to the backend
	VenvDir string `mapstructure:"venv_dir"`

	// Requirements is the dependency manifest, relative to the backend
	Requirements string `mapstructure:"requirements"`

	// BootstrapURL is where the package-manager bootstrap script lives
	BootstrapURL string `mapstructure:"bootstrap_url"`
}

// StatusConfig configures the local status server.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// HistoryConfig configures the run history store.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// BaseURL returns the backend API root, e.g. http://127.0.0.1:8420.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.API.Scheme, net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port)))
}

// LoadConfig loads configuration from the given file.
// It applies defaults, then file values, then POLARIS_* environment
// variables, then legacy environment overrides, then normalizes and
// validates. An empty path means DefaultConfigPath(); a missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range flatten("", DefaultConfig().Settings()) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultConfigPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyEnvOverrides(cfg)
	normalize(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// normalize replaces unusable API coordinates with defaults and resolves
// filesystem paths.
func normalize(cfg *Config) {
	cfg.API.Host = strings.TrimSpace(cfg.API.Host)
	if cfg.API.Host == "" {
		cfg.API.Host = DefaultAPIHost
	}
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		cfg.API.Port = DefaultAPIPort
	}
	cfg.API.Scheme = strings.ToLower(strings.TrimSpace(cfg.API.Scheme))
	if cfg.API.Scheme == "" {
		cfg.API.Scheme = DefaultAPIScheme
	}

	cfg.Backend.Path = ResolveBackendPath(cfg.Backend.Path)
	cfg.History.Path = ExpandHome(cfg.History.Path)
	cfg.Backend.PIDFile = ExpandHome(cfg.Backend.PIDFile)
	cfg.Backend.Device = strings.ToLower(strings.TrimSpace(cfg.Backend.Device))
	cfg.Training.ModelType = strings.ToLower(strings.TrimSpace(cfg.Training.ModelType))
}

// Settings returns the configuration as a nested map keyed the way the
// config file is, with durations rendered as strings.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"backend": map[string]any{
			"path":              c.Backend.Path,
			"python":            c.Backend.Python,
			"args":              c.Backend.Args,
			"readiness_markers": c.Backend.ReadinessMarkers,
			"startup_grace":     c.Backend.StartupGrace.String(),
			"stop_grace":        c.Backend.StopGrace.String(),
			"output_lines":      c.Backend.OutputLines,
			"device":            c.Backend.Device,
			"pid_file":          c.Backend.PIDFile,
			"port_free_timeout": c.Backend.PortFreeTimeout.String(),
		},
		"api": map[string]any{
			"scheme":        c.API.Scheme,
			"host":          c.API.Host,
			"port":          c.API.Port,
			"timeout":       c.API.Timeout.String(),
			"probe_timeout": c.API.ProbeTimeout.String(),
		},
		"health": map[string]any{
			"fast_interval": c.Health.FastInterval.String(),
			"slow_interval": c.Health.SlowInterval.String(),
			"sync_interval": c.Health.SyncInterval.String(),
		},
		"training": map[string]any{
			"poll_interval":  c.Training.PollInterval.String(),
			"timeout":        c.Training.Timeout.String(),
			"legacy_timeout": c.Training.LegacyTimeout.String(),
			"epochs":         c.Training.Epochs,
			"model_type":     c.Training.ModelType,
		},
		"setup": map[string]any{
			"venv_dir":      c.Setup.VenvDir,
			"requirements":  c.Setup.Requirements,
			"bootstrap_url": c.Setup.BootstrapURL,
		},
		"status": map[string]any{
			"enabled": c.Status.Enabled,
			"addr":    c.Status.Addr,
		},
		"history": map[string]any{
			"path": c.History.Path,
		},
		"log_level":  c.LogLevel,
		"log_format": c.LogFormat,
	}
}

// YAML renders the configuration in config file form.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Settings())
}

// WriteFile writes the configuration to path, creating parent directories.
func (c *Config) WriteFile(path string) error {
	data, err := c.YAML()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := ensureParentDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
