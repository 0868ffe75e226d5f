// Package dispatcher provides async, best-effort delivery of facility events
// to notifier sinks with buffering, retry and per-sink circuit breaking.
package dispatcher

import (
	"context"
	"errors"
	"fablab/internal/event"
	"fablab/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Sink delivers one message to one downstream consumer.
type Sink interface {
	// Name identifies the sink in logs, metrics and breaker keys.
	Name() string
	Send(ctx context.Context, msg *event.Message) error
}

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues msg for every registered sink. Non-blocking.
	// Returns ErrBufferFull if the message could not be queued for some sink.
	Dispatch(msg *event.Message) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// delivery is one message bound for one sink.
type delivery struct {
	msg      *event.Message
	sink     Sink
	requeues int
}

// Stats holds dispatcher statistics.
type Stats struct {
	Sinks         int   // registered sinks
	QueueDepth    int   // current queue size
	Queued        int64 // total deliveries queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should skip retries: errors wrapped with
// Permanent and 4xx webhook answers.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || cloudevent.IsClientError(err)
}
