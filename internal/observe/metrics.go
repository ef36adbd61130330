// Package observe provides application-wide observability primitives for
// Castwave: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Castwave metrics.
const meterName = "github.com/castwave/castwave"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DownloadDuration tracks source media download latency.
	DownloadDuration metric.Float64Histogram

	// NormalizeDuration tracks audio normalization latency.
	NormalizeDuration metric.Float64Histogram

	// TranscribeDuration tracks whole-file transcription latency. Use with:
	//   attribute.String("engine", "parallel"|"single"|"cache")
	TranscribeDuration metric.Float64Histogram

	// ChunkDuration tracks per-chunk inference latency inside the worker
	// pool.
	ChunkDuration metric.Float64Histogram

	// --- Counters ---

	// CacheLookups counts transcript cache lookups. Use with:
	//   attribute.String("status", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// Jobs counts pipeline jobs by terminal status. Use with:
	//   attribute.String("status", ...)
	Jobs metric.Int64Counter

	// --- Error counters ---

	// EngineErrors counts transcription failures. Use with:
	//   attribute.String("engine", ...), attribute.String("code", ...)
	EngineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks the number of pipeline jobs currently running.
	ActiveJobs metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live scratch sessions on disk.
	ActiveSessions metric.Int64UpDownCounter

	// QueuedChunks tracks chunks waiting in the worker pool queue.
	QueuedChunks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets defines histogram bucket boundaries (in seconds) sized for
// media processing, where a single call can legitimately run for minutes.
var stageBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DownloadDuration, err = m.Float64Histogram("castwave.download.duration",
		metric.WithDescription("Latency of source media downloads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = m.Float64Histogram("castwave.normalize.duration",
		metric.WithDescription("Latency of audio normalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("castwave.transcribe.duration",
		metric.WithDescription("Whole-file transcription latency by engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("castwave.chunk.duration",
		metric.WithDescription("Per-chunk inference latency in the worker pool."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CacheLookups, err = m.Int64Counter("castwave.cache.lookups",
		metric.WithDescription("Transcript cache lookups by status."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("castwave.pipeline.jobs",
		metric.WithDescription("Pipeline jobs by terminal status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EngineErrors, err = m.Int64Counter("castwave.transcribe.errors",
		metric.WithDescription("Transcription failures by engine and error code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("castwave.active_jobs",
		metric.WithDescription("Number of pipeline jobs currently running."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("castwave.active_sessions",
		metric.WithDescription("Number of live scratch sessions on disk."),
	); err != nil {
		return nil, err
	}
	if met.QueuedChunks, err = m.Int64UpDownCounter("castwave.pool.queued_chunks",
		metric.WithDescription("Chunks waiting in the worker pool queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("castwave.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscribe records one whole-file transcription with its serving
// engine.
func (m *Metrics) RecordTranscribe(ctx context.Context, engine string, seconds float64) {
	m.TranscribeDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordCacheLookup records one cache lookup. Status is "hit" or "miss".
func (m *Metrics) RecordCacheLookup(ctx context.Context, status string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordJob records one pipeline job reaching a terminal status.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	m.Jobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEngineError records one transcription failure.
func (m *Metrics) RecordEngineError(ctx context.Context, engine, code string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("code", code),
		),
	)
}
