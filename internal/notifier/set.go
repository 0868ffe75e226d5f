package notifier

import (
	"context"
	"fablab/internal/dispatcher"
	"fmt"
	"log/slog"
)

// Set owns the enabled sinks and their connections.
type Set struct {
	ws    *WebsocketSink
	nats  *NATSSink
	sinks []dispatcher.Sink
}

// Open creates and starts every sink enabled in cfg.
func Open(ctx context.Context, cfg Config) (*Set, error) {
	s := &Set{}

	if cfg.NATSURL != "" {
		ns, err := NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, fmt.Errorf("nats sink: %w", err)
		}
		s.nats = ns
		s.sinks = append(s.sinks, ns)
	}
	if cfg.WebhookURL != "" {
		s.sinks = append(s.sinks, NewWebhookSink(cfg.WebhookURL, cfg.WebhookKey, cfg.WebhookTimeout))
	}
	if cfg.WebsocketURL != "" {
		s.ws = NewWebsocketSink(cfg.WebsocketURL, cfg.WebsocketReconnect)
		s.ws.Start(ctx)
		s.sinks = append(s.sinks, s.ws)
	}

	if len(s.sinks) == 0 {
		slog.Warn("No notifier sinks configured, events will only be logged")
	}
	return s, nil
}

// Sinks returns the enabled sinks.
func (s *Set) Sinks() []dispatcher.Sink { return s.sinks }

// Close stops the websocket loop and drains NATS.
func (s *Set) Close() {
	if s.ws != nil {
		s.ws.Stop()
	}
	if s.nats != nil {
		s.nats.Close()
	}
}
