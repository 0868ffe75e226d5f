// Package notifier implements the event sinks the dispatcher delivers to:
// a duplex websocket channel to the cloud service, a NATS subject and a
// signed CloudEvents webhook. Every sink is optional.
package notifier

import (
	"fablab/internal/config"
	"time"
)

// Config selects which sinks are enabled. An empty URL disables a sink.
type Config struct {
	WebsocketURL       string
	WebsocketReconnect time.Duration

	NATSURL     string
	NATSSubject string

	WebhookURL     string
	WebhookKey     string
	WebhookTimeout time.Duration
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		WebsocketURL:       config.GetEnv("NOTIFIER_WS_URL", config.GetEnv("CLOUD_WS", "")),
		WebsocketReconnect: config.GetDurationEnv("NOTIFIER_WS_RECONNECT", 5*time.Second),
		NATSURL:            config.GetEnv("NOTIFIER_NATS_URL", ""),
		NATSSubject:        config.GetEnv("NOTIFIER_NATS_SUBJECT", "fablab.events"),
		WebhookURL:         config.GetEnv("NOTIFIER_WEBHOOK_URL", ""),
		WebhookKey:         config.GetSecret("NOTIFIER_WEBHOOK_KEY", "NOTIFIER_WEBHOOK_KEY_FILE"),
		WebhookTimeout:     config.GetDurationEnv("NOTIFIER_WEBHOOK_TIMEOUT", 10*time.Second),
	}
}
