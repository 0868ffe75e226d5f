package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fablab/internal/dispatcher"
	"fablab/internal/event"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes every event as JSON on "<subject>.<event>".
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to url. The connection reconnects forever; messages
// published while disconnected are buffered by the client.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	logger := slog.With("component", "notifier", "sink", "nats")
	nc, err := nats.Connect(url,
		nats.Name("fablab-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

// Name implements dispatcher.Sink.
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a message is published on.
func (s *NATSSink) Subject(msg *event.Message) string {
	return subjectFor(s.subject, msg)
}

// Send implements dispatcher.Sink.
func (s *NATSSink) Send(_ context.Context, msg *event.Message) error {
	if s.nc == nil || s.nc.IsClosed() {
		return dispatcher.Permanent(errors.New("nats connection closed"))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return dispatcher.Permanent(err)
	}
	return s.nc.Publish(s.Subject(msg), data)
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}

func subjectFor(base string, msg *event.Message) string {
	return base + "." + string(msg.Event)
}

var _ dispatcher.Sink = (*NATSSink)(nil)
