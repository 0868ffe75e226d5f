package dispatcher

import (
	"context"
	"fablab/internal/event"
	"fablab/pkg/backoff"
	"fablab/pkg/circuitbreaker"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher is an in-memory async event dispatcher.
// Deliveries are queued in a bounded channel and handled by a worker pool.
// If the buffer is full, deliveries are dropped (logged + metric incremented).
type MemoryDispatcher struct {
	queue    chan *delivery
	sinks    []Sink
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, sink string, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context, sink string)
	RecordDispatcherDropped(ctx context.Context, sink string)
	RecordDispatcherRequeued(ctx context.Context, sink string)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher delivering to sinks.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder, sinks ...Sink) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue: make(chan *delivery, cfg.BufferSize),
		sinks: sinks,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	d.breakers.OnStateChange(func(sink string, from, to circuitbreaker.State) {
		d.logger.Info("Sink breaker state changed", "sink", sink, "from", from.String(), "to", to.String())
	})

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "sinks", names)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues msg once per sink.
func (d *MemoryDispatcher) Dispatch(msg *event.Message) error {
	if d.closed.Load() {
		return ErrClosed
	}

	var err error
	for _, sink := range d.sinks {
		select {
		case d.queue <- &delivery{msg: msg, sink: sink}:
			d.queued.Add(1)
		default:
			d.drop(sink.Name(), msg, "Event dropped, buffer full")
			err = ErrBufferFull
		}
	}
	return err
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		Sinks:         len(d.sinks),
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case dl := <-d.queue:
			d.deliver(dl)
		}
	}
}

// drainQueue delivers remaining events after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case dl := <-d.queue:
			d.deliver(dl)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(dl *delivery) {
	name := dl.sink.Name()
	breaker := d.breakers.Get(name)

	if !breaker.Allow() {
		d.requeue(dl)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, dl); err != nil {
		if !IsPermanent(err) {
			breaker.RecordFailure()
		}
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx, name)
		}
		d.logger.Warn("Delivery failed",
			"sink", name,
			"event", string(dl.msg.Event),
			"machineId", dl.msg.MachineID,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, name, time.Since(start).Seconds())
	}
}

// requeue puts a delivery back in the queue after the breaker cooldown.
func (d *MemoryDispatcher) requeue(dl *delivery) {
	name := dl.sink.Name()
	if dl.requeues >= defaultMaxRequeues {
		d.drop(name, dl.msg, "Event dropped, max requeues reached")
		return
	}

	dl.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background(), name)
	}

	go func() {
		t := time.NewTimer(d.config.BreakerCooldown)
		defer t.Stop()
		select {
		case <-d.shutdown:
			return
		case <-t.C:
		}

		select {
		case d.queue <- dl:
			d.logger.Debug("Event requeued", "sink", name, "event", string(dl.msg.Event), "requeues", dl.requeues)
		case <-d.shutdown:
		default:
			d.drop(name, dl.msg, "Event dropped on requeue, buffer full")
		}
	}()
}

func (d *MemoryDispatcher) drop(sink string, msg *event.Message, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background(), sink)
	}
	d.logger.Warn(reason, "sink", sink, "event", string(msg.Event), "machineId", msg.MachineID)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, dl *delivery) error {
	policy := backoff.ExponentialPolicy{Initial: defaultInitialBackoff, Max: defaultMaxBackoff}

	var lastErr error
	for attempt := range d.config.retries() + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := backoff.Sleep(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		lastErr = dl.sink.Send(sendCtx, dl.msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
