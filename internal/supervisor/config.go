package supervisor

import (
	"fablab/internal/config"
	"fablab/pkg/backoff"
	"strings"
	"time"
)

// Config holds configuration for the gateway supervisor.
type Config struct {
	Image         string   // Gateway image; empty disables supervision
	ContainerName string   // Name of the managed container
	Cmd           []string // Optional command override
	Env           []string // Extra KEY=VALUE entries for the gateway
	Port          string   // Container port published on the same host port
	MemoryLimit   int64    // Bytes; the container is restarted after an OOM kill
	ExtraHosts    []string // Extra /etc/hosts entries (e.g. "pigateway.local:host-gateway")

	RestartBackoff backoff.Config // Delay between respawns of a crashing gateway
	StableAfter    time.Duration  // Uptime after which the backoff resets
	StopTimeout    time.Duration  // Grace period after SIGTERM before a forced stop
}

// LoadConfigFromEnv loads supervisor configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:         config.GetEnv("GATEWAY_IMAGE", ""),
		ContainerName: config.GetEnv("GATEWAY_CONTAINER_NAME", "fablab-gateway"),
		Cmd:           splitList(config.GetEnv("GATEWAY_CMD", ""), " "),
		Env:           splitList(config.GetEnv("GATEWAY_ENV", ""), ","),
		Port:          config.GetEnv("GATEWAY_PORT", "1337"),
		MemoryLimit:   config.GetBytesEnv("GATEWAY_MEMORY_LIMIT", 100<<20),
		ExtraHosts:    splitList(config.GetEnv("EXTRA_HOSTS", ""), ","),
		RestartBackoff: backoff.Config{
			Initial: config.GetDurationEnv("GATEWAY_RESTART_INITIAL", time.Second),
			Max:     config.GetDurationEnv("GATEWAY_RESTART_MAX", time.Minute),
		},
		StableAfter: config.GetDurationEnv("GATEWAY_STABLE_AFTER", 2*time.Minute),
		StopTimeout: config.GetDurationEnv("GATEWAY_STOP_TIMEOUT", 10*time.Second),
	}
}

// Enabled reports whether a gateway image is configured.
func (c Config) Enabled() bool {
	return c.Image != ""
}

func (c Config) withDefaults() Config {
	if c.ContainerName == "" {
		c.ContainerName = "fablab-gateway"
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 2 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

func splitList(s, sep string) []string {
	var out []string
	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
