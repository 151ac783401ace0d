// Package extract runs the end-to-end feature extraction pipeline: plan
// batches over a dataset, pack each batch, encode it through the backbone,
// and persist one record per item to the cache.
//
// A run is resumable: items whose records already exist in the cache are
// skipped, so interrupting and restarting a run converges on a fully
// populated cache without recomputation. Failures are isolated per item; one
// unreadable file or failed encode never aborts the run.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/audiolith/featforge/internal/observe"
	"github.com/audiolith/featforge/pkg/batch"
	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/feature"
	"github.com/audiolith/featforge/pkg/pack"
	"github.com/audiolith/featforge/pkg/store"
)

// Config assembles the collaborators of one extraction run.
type Config struct {
	// Feature names the output records and keys the cache. Required.
	Feature string

	// Dataset supplies the items. Required.
	Dataset feature.Dataset

	// Store receives the records. Required.
	Store store.Store

	// Encoder turns raw samples into feature rows. Required.
	Encoder *encode.Encoder

	// Planner groups items into batches. Required.
	Planner *batch.Planner

	// Pack configures how each batch is packed.
	Pack pack.Options

	// Workers is the number of batches processed concurrently. Values
	// below 2 mean sequential processing.
	Workers int

	// Metrics receives instrumentation. Nil uses the process-wide default.
	Metrics *observe.Metrics

	// Logger receives progress and failure logs. Nil uses slog.Default.
	Logger *slog.Logger
}

// Extractor executes extraction runs. Create one with New; it is safe to run
// multiple times, each Run picking up where the cache left off.
type Extractor struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
}

// New validates cfg and returns an Extractor.
func New(cfg Config) (*Extractor, error) {
	switch {
	case cfg.Feature == "":
		return nil, feature.ConfigErrorf("feature name must not be empty")
	case cfg.Dataset == nil:
		return nil, feature.ConfigErrorf("dataset is required")
	case cfg.Store == nil:
		return nil, feature.ConfigErrorf("store is required")
	case cfg.Encoder == nil:
		return nil, feature.ConfigErrorf("encoder is required")
	case cfg.Planner == nil:
		return nil, feature.ConfigErrorf("planner is required")
	}
	e := &Extractor{cfg: cfg, metrics: cfg.Metrics, log: cfg.Logger}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e, nil
}

// Run extracts features for every item in the dataset that is not already
// cached. It returns a Report describing what happened; the error is non-nil
// only for run-level faults (context cancellation, a failed batch plan), not
// for per-item failures.
func (e *Extractor) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	ds := e.cfg.Dataset

	lengths := make([]int, ds.Len())
	for i := range lengths {
		lengths[i] = ds.Length(i)
	}
	plan, err := e.cfg.Planner.Plan(lengths)
	if err != nil {
		return nil, fmt.Errorf("plan batches: %w", err)
	}

	report := &Report{Feature: e.cfg.Feature, Total: ds.Len()}
	e.log.Info("extraction started",
		"feature", e.cfg.Feature,
		"items", ds.Len(),
		"budget", e.cfg.Planner.Budget(),
	)

	if e.cfg.Workers > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)
		for group := range plan {
			g.Go(func() error {
				return e.runBatch(gctx, group, report)
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
	} else {
		for group := range plan {
			if err := e.runBatch(ctx, group, report); err != nil {
				return report, err
			}
		}
	}

	e.metrics.ExtractDuration.Record(ctx, time.Since(start).Seconds())
	e.log.Info("extraction finished",
		"feature", e.cfg.Feature,
		"written", report.Written,
		"cache_hits", report.CacheHits,
		"failed", report.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return report, nil
}

// runBatch processes one planned group of dataset indices. Only context
// errors propagate; everything else becomes a per-item failure.
func (e *Extractor) runBatch(ctx context.Context, group []int, report *Report) error {
	ctx, span := observe.StartSpan(ctx, "extract.batch",
		trace.WithAttributes(attribute.Int("batch.size", len(group))))
	defer span.End()
	log := observe.LoggerWith(ctx, e.log)

	batchStart := time.Now()
	e.metrics.ActiveBatches.Add(ctx, 1)
	defer func() {
		e.metrics.ActiveBatches.Add(ctx, -1)
		e.metrics.BatchDuration.Record(ctx, time.Since(batchStart).Seconds())
	}()

	// Probe the cache and load the misses.
	var (
		items   []feature.Item
		indices []int
	)
	for _, idx := range group {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := e.cfg.Dataset.ID(idx)
		key := store.Key{ItemID: id, Feature: e.cfg.Feature}

		cached, err := e.cfg.Store.Exists(ctx, key)
		if err != nil {
			// A failed probe is treated as a miss; the write at the end
			// of the pipeline will surface persistent store trouble.
			e.metrics.RecordStoreError(ctx, "probe")
			log.Warn("cache probe failed, recomputing", "item", id, "error", err)
		}
		if cached {
			report.addHit(ctx, e.metrics)
			continue
		}

		item, err := e.cfg.Dataset.Item(ctx, idx)
		if err != nil {
			report.addFailure(ctx, e.metrics, id, fmt.Errorf("load: %w", err))
			log.Warn("item load failed", "item", id, "error", err)
			continue
		}
		if item.Len() == 0 {
			shapeErr := &feature.ShapeError{ItemID: id, Reason: "empty sample sequence"}
			report.addFailure(ctx, e.metrics, id, shapeErr)
			log.Warn("item rejected", "item", id, "error", shapeErr)
			continue
		}
		items = append(items, item)
		indices = append(indices, idx)
	}
	if len(items) == 0 {
		return nil
	}

	packed, err := pack.Pack(items, e.cfg.Pack)
	if err != nil {
		// Empty groups and empty items were filtered above, so a pack
		// failure means a misconfiguration that every batch would hit.
		return fmt.Errorf("pack batch: %w", err)
	}

	for p := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.processParent(ctx, packed, p, items[p].ID, report)
	}
	return nil
}

// processParent encodes all rows of one parent item, trims away padding, and
// writes the assembled record.
func (e *Extractor) processParent(ctx context.Context, b *pack.Batch, parent int, id string, report *Report) {
	ctx, span := observe.StartSpan(ctx, "extract.item",
		trace.WithAttributes(attribute.String("item.id", id)))
	defer span.End()
	log := observe.LoggerWith(ctx, e.log)

	rec := &feature.Record{
		ItemID:  id,
		Feature: e.cfg.Feature,
		Dim:     e.cfg.Encoder.OutDim(),
		StepMs:  e.cfg.Encoder.StepMs(),
	}

	for _, row := range b.ParentRows(parent) {
		encStart := time.Now()
		res, err := e.cfg.Encoder.EncodeWaveform(ctx, b.Row(row))
		e.metrics.EncodeDuration.Record(ctx, time.Since(encStart).Seconds())
		if err != nil {
			encErr := &feature.EncodingError{ItemID: id, Err: err}
			report.addFailure(ctx, e.metrics, id, encErr)
			span.RecordError(encErr)
			log.Warn("encode failed", "item", id, "error", err)
			return
		}

		// Keep only the rows covering the row's true content; rows that
		// exist solely because of padding are discarded.
		keep := e.cfg.Encoder.RowsFor(b.Lengths[row])
		if keep > res.Rows {
			keep = res.Rows
		}
		rec.Append(keep, res.Data)
	}

	if err := e.cfg.Store.Write(ctx, rec); err != nil {
		e.metrics.RecordStoreError(ctx, "write")
		report.addFailure(ctx, e.metrics, id, fmt.Errorf("write record: %w", err))
		span.RecordError(err)
		log.Warn("cache write failed", "item", id, "error", err)
		return
	}
	report.addWritten(ctx, e.metrics)
	log.Debug("record written", "item", id, "rows", rec.Rows, "dim", rec.Dim)
}

// Report summarises one extraction run. Its counters are safe for concurrent
// updates during the run.
type Report struct {
	// Feature is the feature name the run produced.
	Feature string

	// Total is the number of items in the dataset.
	Total int

	mu sync.Mutex

	// Written counts records computed and persisted by this run.
	Written int

	// CacheHits counts items skipped because a record already existed.
	CacheHits int

	// Failed counts items that could not be processed.
	Failed int

	// Failures lists each failed item with its cause.
	Failures []ItemFailure
}

// ItemFailure records why one item produced no record.
type ItemFailure struct {
	ItemID string
	Err    error
}

func (r *Report) addWritten(ctx context.Context, m *observe.Metrics) {
	r.mu.Lock()
	r.Written++
	r.mu.Unlock()
	m.RecordItem(ctx, observe.StatusOK)
	m.CacheWrites.Add(ctx, 1)
}

func (r *Report) addHit(ctx context.Context, m *observe.Metrics) {
	r.mu.Lock()
	r.CacheHits++
	r.mu.Unlock()
	m.RecordItem(ctx, observe.StatusSkipped)
	m.CacheHits.Add(ctx, 1)
}

func (r *Report) addFailure(ctx context.Context, m *observe.Metrics, id string, err error) {
	r.mu.Lock()
	r.Failed++
	r.Failures = append(r.Failures, ItemFailure{ItemID: id, Err: err})
	r.mu.Unlock()
	m.RecordItem(ctx, observe.StatusFailed)
}

// Summary renders the run outcome as a single line.
func (r *Report) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%s: %d items, %d written, %d cached, %d failed",
		r.Feature, r.Total, r.Written, r.CacheHits, r.Failed)
}
