package registry

import (
	"context"
	"fablab/internal/config"
	"fmt"
)

// Backend names accepted by REGISTRY_BACKEND.
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config selects and configures a registry backend.
type Config struct {
	Backend    string
	Redis      RedisConfig
	BadgerPath string
	InMemory   bool // badger only; used by tests and ephemeral runs
}

// LoadConfigFromEnv loads registry configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Backend: config.GetEnv("REGISTRY_BACKEND", BackendRedis),
		Redis: RedisConfig{
			Addr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
			Password: config.GetSecret("REDIS_PASSWORD", "REDIS_PASSWORD_FILE"),
			DB:       config.GetIntEnv("REDIS_DB", 0),
		},
		BadgerPath: config.GetEnv("BADGER_PATH", "./data/registry"),
		InMemory:   config.GetBoolEnv("BADGER_IN_MEMORY", false),
	}
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendRedis, "":
		return NewRedisStore(ctx, cfg.Redis)
	case BackendBadger:
		return NewBadgerStore(cfg.BadgerPath, cfg.InMemory)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}
