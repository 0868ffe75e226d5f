package notifier

import (
	"context"
	"errors"
	"fablab/internal/dispatcher"
	"fablab/internal/event"
	"fablab/pkg/backoff"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send while the websocket is down.
var ErrNotConnected = errors.New("websocket not connected")

const defaultWriteTimeout = 10 * time.Second

// WebsocketSink keeps a duplex connection to the cloud service open,
// reconnecting with a fixed delay whenever it drops. Inbound messages are
// logged. Send never waits for a connection.
type WebsocketSink struct {
	url       string
	reconnect backoff.Policy
	dialer    *websocket.Dialer
	logger    *slog.Logger

	// OnMessage, when set before Start, receives every inbound text message.
	OnMessage func([]byte)

	mu   sync.Mutex // guards conn and serialises writes
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebsocketSink creates a sink for url. Call Start to connect.
func NewWebsocketSink(url string, reconnect time.Duration) *WebsocketSink {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &WebsocketSink{
		url:       url,
		reconnect: backoff.Fixed(reconnect),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    slog.With("component", "notifier", "sink", "websocket"),
	}
}

// Name implements dispatcher.Sink.
func (s *WebsocketSink) Name() string { return "websocket" }

// Start runs the connect/read/reconnect loop until Stop or ctx is done.
func (s *WebsocketSink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

// Stop closes the connection and waits for the loop to exit.
func (s *WebsocketSink) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Connected reports whether a connection is currently open.
func (s *WebsocketSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes msg as JSON on the open connection.
func (s *WebsocketSink) Send(ctx context.Context, msg *event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return dispatcher.Permanent(ErrNotConnected)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(msg)
}

func (s *WebsocketSink) run(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Websocket connect failed", "url", s.url, "error", err)
		} else {
			attempt = 0
			s.logger.Info("Websocket connected", "url", s.url)
			s.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Websocket closed, reconnecting", "delay", s.reconnect.Delay(attempt).String())
		}

		if err := backoff.Sleep(ctx, s.reconnect.Delay(attempt)); err != nil {
			return
		}
	}
}

// serve publishes conn and reads until it fails or ctx is done.
func (s *WebsocketSink) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		s.mu.Unlock()
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Websocket read failed", "error", err)
			}
			break
		}
		s.logger.Info("Websocket message received", "message", string(data))
		if s.OnMessage != nil {
			s.OnMessage(data)
		}
	}

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	conn.Close()
}

var _ dispatcher.Sink = (*WebsocketSink)(nil)
