package config

import "time"

const (
	DefaultAPIScheme          = "http"
	DefaultAPIHost            = "127.0.0.1"
	DefaultAPIPort            = 8420
	DefaultAPITimeout         = 30 * time.Second
	DefaultProbeTimeout       = 5 * time.Second
	DefaultStartupGrace       = 2 * time.Second
	DefaultStopGrace          = 2 * time.Second
	DefaultOutputLines        = 2000
	DefaultDevice             = "auto"
	DefaultPIDFile            = "backend.pid"
	DefaultPortFreeTimeout    = 15 * time.Second
	DefaultFastInterval       = 5 * time.Second
	DefaultSlowInterval       = 30 * time.Second
	DefaultSyncInterval       = 1 * time.Second
	DefaultPollInterval       = 2 * time.Second
	DefaultTrainingTimeout    = time.Hour
	DefaultLegacyTimeout      = 1800 * time.Second
	DefaultEpochs             = 100
	DefaultModelType          = "lstm"
	DefaultVenvDir            = ".venv"
	DefaultRequirements       = "requirements.txt"
	DefaultBootstrapURL       = "https://bootstrap.pypa.io/get-pip.py"
	DefaultStatusAddr         = "127.0.0.1:8421"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "console"
	DefaultHistoryFile        = "history.db"
	DefaultConfigFile         = "config.yaml"
	DefaultConfigDirName      = ".polaris"
	DefaultBackendModule      = "cli.main"
	DefaultBackendSubcommand  = "server"
	DefaultFallbackPythonName = "python3"
)

// DefaultBackendArgs runs the backend's server entry point.
func DefaultBackendArgs() []string {
	return []string{"-m", DefaultBackendModule, DefaultBackendSubcommand}
}

// DefaultReadinessMarkers are the server banners printed once the API is
// accepting requests.
func DefaultReadinessMarkers() []string {
	return []string{"Uvicorn running", "Application startup complete"}
}

// Devices are the accepted backend.device values.
func Devices() []string {
	return []string{"auto", "cpu", "mps", "cuda"}
}

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Args:             DefaultBackendArgs(),
			ReadinessMarkers: DefaultReadinessMarkers(),
			StartupGrace:     DefaultStartupGrace,
			StopGrace:        DefaultStopGrace,
			OutputLines:      DefaultOutputLines,
			Device:           DefaultDevice,
			PIDFile:          "~/" + DefaultConfigDirName + "/run/" + DefaultPIDFile,
			PortFreeTimeout:  DefaultPortFreeTimeout,
		},
		API: APIConfig{
			Scheme:       DefaultAPIScheme,
			Host:         DefaultAPIHost,
			Port:         DefaultAPIPort,
			Timeout:      DefaultAPITimeout,
			ProbeTimeout: DefaultProbeTimeout,
		},
		Health: HealthConfig{
			FastInterval: DefaultFastInterval,
			SlowInterval: DefaultSlowInterval,
			SyncInterval: DefaultSyncInterval,
		},
		Training: TrainingConfig{
			PollInterval:  DefaultPollInterval,
			Timeout:       DefaultTrainingTimeout,
			LegacyTimeout: DefaultLegacyTimeout,
			Epochs:        DefaultEpochs,
			ModelType:     DefaultModelType,
		},
		Setup: SetupConfig{
			VenvDir:      DefaultVenvDir,
			Requirements: DefaultRequirements,
			BootstrapURL: DefaultBootstrapURL,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    DefaultStatusAddr,
		},
		History: HistoryConfig{
			Path: "~/" + DefaultConfigDirName + "/" + DefaultHistoryFile,
		},
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
	}
}
