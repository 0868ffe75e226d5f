package dispatcher

import (
	"fablab/internal/config"
	"time"
)

// Delivery defaults that rarely need tuning.
const (
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultMaxRequeues      = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize      int           // pending deliveries buffer (default: 1000)
	Workers         int           // concurrent delivery goroutines (default: 4)
	SendTimeout     time.Duration // per-attempt timeout (default: 10s)
	MaxRetries      int           // retries after the first attempt (default: 3, negative disables retries)
	BreakerCooldown time.Duration // open-circuit cooldown and requeue delay (default: 30s)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:      config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:         config.GetIntEnv("DISPATCHER_WORKERS", 4),
		SendTimeout:     config.GetDurationEnv("DISPATCHER_TIMEOUT", 10*time.Second),
		MaxRetries:      config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
		BreakerCooldown: config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

func (c MemoryConfig) retries() int {
	return max(c.MaxRetries, 0)
}
