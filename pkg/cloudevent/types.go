// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender in
// binary-plus-structured mode with optional HMAC signing.
package cloudevent

import (
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents specification version produced here.
const SpecVersion = "1.0"

// CloudEvent represents a CloudEvents 1.0 specification event.
type CloudEvent struct {
	SpecVersion     string    `json:"specversion"`
	Type            string    `json:"type"`
	Source          string    `json:"source"`
	Subject         string    `json:"subject,omitempty"`
	ID              string    `json:"id"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Data            any       `json:"data"`
}

// New creates a new CloudEvent. An empty id is replaced by a random UUID.
func New(eventType, source, subject, id string, data any) *CloudEvent {
	if id == "" {
		id = uuid.NewString()
	}
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
