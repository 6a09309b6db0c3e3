package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (running jobs, open streams)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter
	EventStreamDuration metric.Float64Histogram

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration         metric.Float64Histogram
	JobsCreated         metric.Int64Counter
	JobsFinished        metric.Int64Counter
	JobsCancelled       metric.Int64Counter
	JobsActive          metric.Int64UpDownCounter
	ArtifactsDiscovered metric.Int64Counter
	Subscribers         metric.Int64UpDownCounter
	Uploads             metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
// Each call owns its registry; the returned handler serves only that registry
// plus the Go runtime and process collectors.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, nil, err
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("autofigure")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventStreamDuration, err = meter.Float64Histogram(
		"event_stream_duration_seconds",
		metric.WithDescription("How long event stream connections stay open in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Wall-clock time from spawn to finalization in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 180, 300, 450, 600, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCreated, err = meter.Int64Counter(
		"jobs_created_total",
		metric.WithDescription("Total number of jobs spawned"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of finalized jobs by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCancelled, err = meter.Int64Counter(
		"job_cancel_requests_total",
		metric.WithDescription("Total number of accepted cancel requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs not yet finalized (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ArtifactsDiscovered, err = meter.Int64Counter(
		"artifacts_discovered_total",
		metric.WithDescription("Total number of artifacts reported by finished jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Subscribers, err = meter.Int64UpDownCounter(
		"event_subscribers",
		metric.WithDescription("Number of attached event stream observers (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Uploads, err = meter.Int64Counter(
		"reference_uploads_total",
		metric.WithDescription("Total number of stored reference image uploads"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total callbacks successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total callbacks failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total callbacks dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total callbacks requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of callbacks in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
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

// RecordEventStream records a finished event stream. Streams count as
// requests but stay out of the request latency histogram.
func (m *Metrics) RecordEventStream(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.EventStreamDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordUpload records a stored reference image.
func (m *Metrics) RecordUpload(ctx context.Context) {
	m.Uploads.Add(ctx, 1)
}

// RecordJobCreated records a job being spawned.
func (m *Metrics) RecordJobCreated(ctx context.Context) {
	m.JobsCreated.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// RecordJobCompleted records a job being finalized. outcome is the job's
// terminal status (completed, failed, cancelled, timed_out).
func (m *Metrics) RecordJobCompleted(ctx context.Context, outcome string, durationSeconds float64, artifacts int) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, -1)
	m.ArtifactsDiscovered.Add(ctx, int64(artifacts))
}

// RecordJobCancelled records an accepted cancel request. The job is
// counted as finished once its monitor finalizes it.
func (m *Metrics) RecordJobCancelled(ctx context.Context) {
	m.JobsCancelled.Add(ctx, 1)
}

// RecordSubscriber records an observer attaching (+1) or detaching (-1).
func (m *Metrics) RecordSubscriber(ctx context.Context, delta int64) {
	m.Subscribers.Add(ctx, delta)
}

// RecordDispatcherDelivered records a successful delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped delivery.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued delivery.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
