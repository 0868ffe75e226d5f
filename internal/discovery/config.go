package discovery

import (
	"fablab/internal/config"
	"time"
)

// Config configures the reconciliation loop.
type Config struct {
	GatewayURL  string
	Interval    time.Duration
	Concurrency int
	// FacilityID is used for events when the registry holds no facility id.
	FacilityID string
}

// LoadConfigFromEnv loads discovery configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		GatewayURL:  config.GetEnv("GATEWAY_URL", "http://pigateway.local:1337"),
		Interval:    config.GetDurationEnv("DISCOVERY_INTERVAL", 10*time.Second),
		Concurrency: config.GetIntEnv("DISCOVERY_CONCURRENCY", 8),
		FacilityID:  config.GetEnv("FACILITY_ID", ""),
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}
