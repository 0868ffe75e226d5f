package notifier

import (
	"context"
	"fablab/internal/dispatcher"
	"fablab/internal/event"
	"fablab/pkg/cloudevent"
	"time"
)

// WebhookSink POSTs each event as a CloudEvent, signed when a key is set.
type WebhookSink struct {
	url    string
	key    string
	sender *cloudevent.Sender
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, key string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{url: url, key: key, sender: cloudevent.NewSender(timeout)}
}

// Name implements dispatcher.Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements dispatcher.Sink.
func (s *WebhookSink) Send(ctx context.Context, msg *event.Message) error {
	return s.sender.Send(ctx, s.url, msg.CloudEvent(), s.key)
}

var _ dispatcher.Sink = (*WebhookSink)(nil)
