// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServiceConfig holds configuration for the fablab service process.
// Component specific knobs (registry, discovery, notifier, ...) are loaded
// by each component's own LoadConfigFromEnv.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	LogLevel          slog.Level
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	FacilitySeedFile  string        // YAML facility description loaded at startup
	FacilityID        string        // Fallback facility id when the registry has none
	UpstreamTimeout   time.Duration // Per-call timeout towards the hypermedia gateway
	DispatchPolicy    string        // Machine eligibility policy ("type" or "idle")
	UploadDir         string        // Where submitted design files are staged
	MaxUploadSize     int64         // Per-file upload limit in bytes
	InventoryJobs     bool          // Include each machine's job list in the inventory
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "3000"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		LogLevel:          ParseLogLevel(GetEnv("LOG_LEVEL", "info")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		FacilitySeedFile:  GetEnv("FACILITY_SEED_FILE", ""),
		FacilityID:        GetEnv("FACILITY_ID", ""),
		UpstreamTimeout:   GetDurationEnv("UPSTREAM_TIMEOUT", 5*time.Second),
		DispatchPolicy:    GetEnv("DISPATCH_POLICY", "type"),
		UploadDir:         GetEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "fablab-uploads")),
		MaxUploadSize:     GetBytesEnv("MAX_UPLOAD_SIZE", 64<<20),
		InventoryJobs:     GetBoolEnv("INVENTORY_JOBS", true),
	}
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
