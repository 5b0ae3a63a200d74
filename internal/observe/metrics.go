// Package observe wires OpenTelemetry into batchscribe: metric instruments,
// spans, trace-aware logging and the HTTP middleware that ties them to
// requests.
//
// Instruments are created against any [metric.MeterProvider]. In production
// [InitProvider] installs a Prometheus-backed provider; tests build their own
// provider around a ManualReader and call [NewMetrics] directly.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument the service records.
type Metrics struct {
	// Batching.
	ASRDuration metric.Float64Histogram   // per batched call, attr status
	QueueWait   metric.Float64Histogram   // submission until dispatch
	BatchSize   metric.Int64Histogram     // items per dispatched batch
	QueueDepth  metric.Int64UpDownCounter // submitted, not yet dispatched
	ItemsFailed metric.Int64Counter       // attr cause: batch|shutdown

	// Segmentation.
	SegmentsFlushed  metric.Int64Counter       // attrs mode, reason
	ClassifierErrors metric.Int64Counter       // frames degraded to silence
	ActiveStreams    metric.Int64UpDownCounter // open /ws connections

	// Backends. Attrs provider, kind and, for requests, status.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// HTTPRequestDuration is recorded by [Middleware] with attributes
	// method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

var (
	latencyBuckets   = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	waitBuckets      = []float64{0.001, 0.0025, 0.005, 0.01, 0.015, 0.025, 0.05, 0.1, 0.25, 1}
	batchSizeBuckets = []float64{1, 2, 3, 4, 6, 8, 16, 32}
)

// instruments creates instruments on one meter and collects the errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(instrumentation)}

	batchSize, err := b.meter.Int64Histogram("batchscribe.batch.size",
		metric.WithDescription("Items per dispatched batch."),
		metric.WithExplicitBucketBoundaries(batchSizeBuckets...),
	)
	b.errs = append(b.errs, err)

	m := &Metrics{
		ASRDuration: b.seconds("batchscribe.asr.duration", "Latency of one batched recognition call.", latencyBuckets),
		QueueWait:   b.seconds("batchscribe.batch.queue_wait", "Time from submission until the item's batch was dispatched.", waitBuckets),
		BatchSize:   batchSize,
		QueueDepth:  b.gauge("batchscribe.batch.queue_depth", "Submitted items waiting for dispatch."),
		ItemsFailed: b.counter("batchscribe.batch.items_failed", "Work items resolved with an error, by cause."),

		SegmentsFlushed:  b.counter("batchscribe.segments.flushed", "Flushed segments by mode and reason."),
		ClassifierErrors: b.counter("batchscribe.vad.classifier_errors", "Frames treated as silence because the classifier failed."),
		ActiveStreams:    b.gauge("batchscribe.active_streams", "Open streaming connections."),

		ProviderRequests: b.counter("batchscribe.provider.requests", "Backend calls by provider, kind and status."),
		ProviderErrors:   b.counter("batchscribe.provider.errors", "Backend errors by provider and kind."),

		HTTPRequestDuration: b.seconds("batchscribe.http.request.duration", "HTTP request latency by method, route and status.", nil),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics lazily creates instruments on the global meter provider.
// Components fall back to it when they are not handed a [Metrics].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one backend call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

// RecordProviderError counts one backend error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordSegment counts one flushed segment.
func (m *Metrics) RecordSegment(ctx context.Context, mode, reason string) {
	m.SegmentsFlushed.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode), Attr("reason", reason)))
}

// RecordBatch records size and inference latency of a dispatched batch. A
// failed batch also counts every item in ItemsFailed.
func (m *Metrics) RecordBatch(ctx context.Context, size int, took time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
		m.ItemsFailed.Add(ctx, int64(size), metric.WithAttributes(Attr("cause", "batch")))
	}
	m.BatchSize.Record(ctx, int64(size))
	m.ASRDuration.Record(ctx, took.Seconds(), metric.WithAttributes(Attr("status", status)))
}
