package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at a temp dir and clears the legacy backend variable
// so host state never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvBackendPath, "")
	t.Setenv(EnvDevice, "")
	return home
}

// writeFile creates a file with the given content for testing
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := LoadConfig(filepath.Join(home, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8420", cfg.BaseURL())
	assert.Equal(t, DefaultBackendArgs(), cfg.Backend.Args)
	assert.Equal(t, DefaultReadinessMarkers(), cfg.Backend.ReadinessMarkers)
	assert.Equal(t, 2*time.Second, cfg.Backend.StartupGrace)
	assert.Equal(t, 2*time.Second, cfg.Backend.StopGrace)
	assert.Equal(t, 5*time.Second, cfg.Health.FastInterval)
	assert.Equal(t, 30*time.Second, cfg.Health.SlowInterval)
	assert.Equal(t, time.Second, cfg.Health.SyncInterval)
	assert.Equal(t, 2*time.Second, cfg.Training.PollInterval)
	assert.Equal(t, time.Hour, cfg.Training.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Training.LegacyTimeout)
	assert.Equal(t, 100, cfg.Training.Epochs)
	assert.Equal(t, "lstm", cfg.Training.ModelType)
	assert.Equal(t, DefaultBootstrapURL, cfg.Setup.BootstrapURL)
	assert.Equal(t, filepath.Join(home, ".polaris", "history.db"), cfg.History.Path)
	assert.Equal(t, filepath.Join(home, "my-git", "dPolaris_ai"), cfg.Backend.Path)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.Backend.Device)
	assert.Equal(t, filepath.Join(home, ".polaris", "run", "backend.pid"), cfg.Backend.PIDFile)
	assert.Equal(t, 15*time.Second, cfg.Backend.PortFreeTimeout)
}

func TestLoadConfig_Device(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.yaml")
	writeFile(t, path, "backend:\n  device: \" MPS \"\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mps", cfg.Backend.Device)

	t.Setenv(EnvDevice, "cuda")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "cuda", cfg.Backend.Device)

	t.Setenv(EnvDevice, "tpu")
	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.device")
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.yaml")
	writeFile(t, path, `
backend:
  path: /srv/backend
  startup_grace: 5s
  readiness_markers:
    - "Listening"
api:
  host: 10.0.0.5
  port: 9000
training:
  epochs: 20
  model_type: Transformer
log_level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/backend", cfg.Backend.Path)
	assert.Equal(t, 5*time.Second, cfg.Backend.StartupGrace)
	assert.Equal(t, []string{"Listening"}, cfg.Backend.ReadinessMarkers)
	assert.Equal(t, "http://10.0.0.5:9000", cfg.BaseURL())
	assert.Equal(t, 20, cfg.Training.Epochs)
	assert.Equal(t, "transformer", cfg.Training.ModelType)
	assert.Equal(t, "debug", cfg.LogLevel)
	// untouched keys keep defaults
	assert.Equal(t, 2*time.Second, cfg.Backend.StopGrace)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	home := isolate(t)
	t.Setenv("POLARIS_API_PORT", "9100")
	t.Setenv("POLARIS_TRAINING_POLL_INTERVAL", "250ms")
	t.Setenv("POLARIS_BACKEND_READINESS_MARKERS", "ready,up")

	cfg, err := LoadConfig(filepath.Join(home, "none.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.API.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Training.PollInterval)
	assert.Equal(t, []string{"ready", "up"}, cfg.Backend.ReadinessMarkers)
}

func TestLoadConfig_LegacyBackendPath(t *testing.T) {
	home := isolate(t)
	legacy := filepath.Join(home, "legacy-backend")
	t.Setenv(EnvBackendPath, legacy)

	cfg, err := LoadConfig(filepath.Join(home, "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, legacy, cfg.Backend.Path)

	// an explicit config value wins over the legacy variable
	path := filepath.Join(home, "config.yaml")
	writeFile(t, path, "backend:\n  path: /explicit\n")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/explicit", cfg.Backend.Path)
}

func TestLoadConfig_NormalizesHostAndPort(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"port too high", "api:\n  port: 70000\n", "http://127.0.0.1:8420"},
		{"port zero", "api:\n  port: 0\n", "http://127.0.0.1:8420"},
		{"blank host", "api:\n  host: \"  \"\n  port: 9001\n", "http://127.0.0.1:9001"},
		{"upper scheme", "api:\n  scheme: HTTPS\n", "https://127.0.0.1:8420"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := isolate(t)
			path := filepath.Join(home, "config.yaml")
			writeFile(t, path, tt.yaml)

			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.BaseURL())
		})
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.yaml")
	writeFile(t, path, `
health:
  fast_interval: 0s
training:
  epochs: 0
log_level: verbose
`)

	_, err := LoadConfig(path)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "health.fast_interval")
	assert.Contains(t, err.Error(), "training.epochs")
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.yaml")
	writeFile(t, path, "backend: [unclosed\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestConfig_WriteFileRoundTrip(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.API.Port = 9300
	cfg.Training.LegacyTimeout = 45 * time.Minute
	require.NoError(t, cfg.WriteFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9300, loaded.API.Port)
	assert.Equal(t, 45*time.Minute, loaded.Training.LegacyTimeout)
	assert.Equal(t, cfg.Backend.Args, loaded.Backend.Args)
}
