// Package observe provides application-wide observability primitives for
// featforge: OpenTelemetry metrics, tracing, and structured logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all featforge metrics.
const meterName = "github.com/audiolith/featforge"

// Item outcome values for [Metrics.RecordItem].
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Metrics holds all OpenTelemetry metric instruments for the extraction
// pipeline. All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ExtractDuration tracks wall time of a full extraction run.
	ExtractDuration metric.Float64Histogram

	// BatchDuration tracks per-batch processing latency, from loading the
	// raw items to the last cache write.
	BatchDuration metric.Float64Histogram

	// EncodeDuration tracks backbone encode latency for one packed row,
	// covering every chunk the row splits into.
	EncodeDuration metric.Float64Histogram

	// --- Counters ---

	// ItemsProcessed counts dataset items by outcome. Use with attribute:
	//   attribute.String("status", "ok"|"failed"|"skipped")
	ItemsProcessed metric.Int64Counter

	// CacheHits counts items skipped because a record was already cached.
	CacheHits metric.Int64Counter

	// CacheWrites counts records persisted to the cache.
	CacheWrites metric.Int64Counter

	// StoreErrors counts failed cache operations by op ("read"|"write"|"probe").
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveBatches tracks the number of batches currently in flight.
	ActiveBatches metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Batch
// processing on a CPU backbone can take tens of seconds, so the upper
// buckets stretch further than typical request latencies.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractDuration, err = m.Float64Histogram("featforge.extract.duration",
		metric.WithDescription("Wall time of a full extraction run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchDuration, err = m.Float64Histogram("featforge.batch.duration",
		metric.WithDescription("Per-batch processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("featforge.encode.duration",
		metric.WithDescription("Per-chunk backbone inference latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ItemsProcessed, err = m.Int64Counter("featforge.items.processed",
		metric.WithDescription("Dataset items handled, by status."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("featforge.cache.hits",
		metric.WithDescription("Items skipped because a cached record already existed."),
	); err != nil {
		return nil, err
	}
	if met.CacheWrites, err = m.Int64Counter("featforge.cache.writes",
		metric.WithDescription("Feature records persisted to the cache."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("featforge.store.errors",
		metric.WithDescription("Failed cache operations, by op."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveBatches, err = m.Int64UpDownCounter("featforge.active_batches",
		metric.WithDescription("Batches currently being processed."),
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

// RecordItem records one processed dataset item with its outcome.
func (m *Metrics) RecordItem(ctx context.Context, status string) {
	m.ItemsProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordStoreError records a failed cache operation.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}
