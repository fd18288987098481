package config

import "os"

// EnvPrefix namespaces environment variables bound to config keys,
// e.g. POLARIS_API_PORT for api.port.
const EnvPrefix = "POLARIS"

// EnvBackendPath is the legacy variable naming the backend checkout.
const EnvBackendPath = "DPOLARIS_AI_PATH"

// EnvDevice carries the device preference into the backend process, and
// is honored here as a legacy override of backend.device.
const EnvDevice = "DPOLARIS_DEVICE"

// envOverrides maps legacy environment variables to config field setters.
// They apply after file and POLARIS_* values.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: EnvBackendPath,
		apply: func(c *Config, v string) {
			// An explicitly configured path wins
			if c.Backend.Path == "" {
				c.Backend.Path = v
			}
		},
	},
	{
		envVar: EnvDevice,
		apply: func(c *Config, v string) {
			c.Backend.Device = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
