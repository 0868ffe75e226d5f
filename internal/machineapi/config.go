package machineapi

import (
	"fablab/internal/config"
	"time"
)

// Config configures the remote machine API client.
type Config struct {
	User     string
	Password string
	Prefix   string        // path segment between the machine base URL and the API routes
	Timeout  time.Duration // bound on every remote call

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// LoadConfigFromEnv loads machine API configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		User:             config.GetEnv("MACHINE_USER", config.GetEnv("USER_NAME", "")),
		Password:         config.GetSecret("MACHINE_PASSWORD", "MACHINE_PASSWORD_FILE"),
		Prefix:           config.GetEnv("MACHINE_API_PREFIX", "api"),
		Timeout:          config.GetDurationEnv("MACHINE_TIMEOUT", 30*time.Second),
		BreakerThreshold: config.GetIntEnv("MACHINE_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("MACHINE_BREAKER_COOLDOWN", 30*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "api"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}
