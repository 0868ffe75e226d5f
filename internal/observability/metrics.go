package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all gateway metrics. It satisfies the recorder interfaces
// of the dispatcher, discovery, quota, job, machineapi and supervisor
// packages.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job router metrics
	JobRequestsTotal metric.Int64Counter
	JobErrorsTotal   metric.Int64Counter

	// Machine API metrics
	MachineCallDuration metric.Float64Histogram
	MachineCallsTotal   metric.Int64Counter

	// Discovery metrics
	DiscoveryCycles   metric.Int64Counter
	DiscoveryEvents   metric.Int64Counter
	DiscoveryMachines metric.Int64Gauge

	// Quota metrics
	QuotaRejected  metric.Int64Counter
	QuotaRemaining metric.Int64Gauge

	// Circuit breaker transitions, per component and key
	BreakerTransitions metric.Int64Counter

	// Gateway supervisor metrics
	GatewayRestarts metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates all metrics and returns them with a Prometheus scrape
// handler. Each call uses its own registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fablab")
	m := &Metrics{meter: meter}

	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobRequestsTotal = b.counter("jobs_total", "Job router operations by outcome")
	m.JobErrorsTotal = b.counter("job_errors_total", "Failed job router operations")

	m.MachineCallDuration = b.histogram("machine_call_duration_seconds", "Machine API call latency in seconds",
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.MachineCallsTotal = b.counter("machine_calls_total", "Machine API calls by operation and outcome")

	m.DiscoveryCycles = b.counter("discovery_cycles_total", "Discovery sub-tick runs by result")
	m.DiscoveryEvents = b.counter("discovery_events_total", "Lifecycle events emitted by discovery")
	m.DiscoveryMachines = b.gauge("discovery_machines_known", "Machines in the registry after the last presence run")

	m.QuotaRejected = b.counter("quota_rejections_total", "API calls rejected for exhausted quota")
	m.QuotaRemaining = b.gauge("quota_remaining", "Remaining API calls in the current quota period")

	m.BreakerTransitions = b.counter("circuit_breaker_transitions_total", "Circuit breaker state changes")

	m.GatewayRestarts = b.counter("gateway_restarts_total", "Gateway container restarts performed by the supervisor")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Event delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = b.counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Current number of events in dispatcher queue (saturation)")

	if b.err != nil {
		return nil, nil, b.err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), nil
}

// builder keeps the first instrument creation error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJob records a job router operation. outcome is "ok" or an error code.
func (m *Metrics) RecordJob(ctx context.Context, operation, outcome string) {
	attrs := metric.WithAttributes(operationAttr(operation), outcomeAttr(outcome))
	m.JobRequestsTotal.Add(ctx, 1, attrs)
	if outcome != "ok" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordMachineCall records one machine API round trip.
func (m *Metrics) RecordMachineCall(ctx context.Context, operation, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(operationAttr(operation), outcomeAttr(outcome))
	m.MachineCallDuration.Record(ctx, d.Seconds(), attrs)
	m.MachineCallsTotal.Add(ctx, 1, attrs)
}

// RecordDiscoveryCycle records a presence or absence run.
func (m *Metrics) RecordDiscoveryCycle(ctx context.Context, subtick, result string) {
	m.DiscoveryCycles.Add(ctx, 1, metric.WithAttributes(subtickAttr(subtick), resultAttr(result)))
}

// RecordDiscoveryEvent records an emitted lifecycle event.
func (m *Metrics) RecordDiscoveryEvent(ctx context.Context, eventType string) {
	m.DiscoveryEvents.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordMachinesKnown records the number of registered machines.
func (m *Metrics) RecordMachinesKnown(ctx context.Context, n int64) {
	m.DiscoveryMachines.Record(ctx, n)
}

// RecordQuotaRejected records an admission rejected for exhausted quota.
func (m *Metrics) RecordQuotaRejected(ctx context.Context) {
	m.QuotaRejected.Add(ctx, 1)
}

// RecordQuotaRemaining records the counter value after an admission or reset.
func (m *Metrics) RecordQuotaRemaining(ctx context.Context, remaining int64) {
	m.QuotaRemaining.Record(ctx, remaining)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, component, key, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(componentAttr(component), keyAttr(key), stateAttr(to)))
}

// RecordGatewayRestart records a gateway container restart.
func (m *Metrics) RecordGatewayRestart(ctx context.Context, reason string) {
	m.GatewayRestarts.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, sink string, durationSeconds float64) {
	attrs := metric.WithAttributes(sinkAttr(sink))
	m.DispatcherDelivered.Add(ctx, 1, attrs)
	m.DispatcherDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context, sink string) {
	m.DispatcherFailed.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context, sink string) {
	m.DispatcherDropped.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context, sink string) {
	m.DispatcherRequeued.Add(ctx, 1, metric.WithAttributes(sinkAttr(sink)))
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
