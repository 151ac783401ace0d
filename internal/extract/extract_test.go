package extract_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/audiolith/featforge/internal/extract"
	"github.com/audiolith/featforge/pkg/batch"
	"github.com/audiolith/featforge/pkg/dataset"
	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/encode/mock"
	"github.com/audiolith/featforge/pkg/feature"
	"github.com/audiolith/featforge/pkg/pack"
	"github.com/audiolith/featforge/pkg/store"
	"github.com/audiolith/featforge/pkg/store/badgerstore"
)

// testFront maps one raw sample to one spectrogram frame, replicating the
// sample value across all bins. Frame counts and trim arithmetic stay easy
// to verify by hand.
type testFront struct {
	bins int
}

func (f testFront) Transform(samples []float32) feature.Spectrogram {
	data := make([]float32, len(samples)*f.bins)
	for t, v := range samples {
		for b := 0; b < f.bins; b++ {
			data[t*f.bins+b] = v
		}
	}
	return feature.Spectrogram{Bins: f.bins, Frames: len(samples), Data: data}
}

func (f testFront) NumFrames(n int) int { return n }
func (f testFront) HopSeconds() float64 { return 0.01 }

const (
	testBins  = 8
	testUnit  = 16
	testPatch = 4
	testDim   = 3
)

func newBackbone() *mock.Backbone {
	return &mock.Backbone{Unit: testUnit, Patch: testPatch, Bins: testBins, PB: 4, EmbedDim: testDim}
}

func newEncoder(t *testing.T, bb encode.Backbone) *encode.Encoder {
	t.Helper()
	enc, err := encode.New(testFront{bins: testBins}, bb, encode.AggregationFlat)
	if err != nil {
		t.Fatalf("encode.New: %v", err)
	}
	return enc
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	if err != nil {
		t.Fatalf("badgerstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPlanner(t *testing.T) *batch.Planner {
	t.Helper()
	p, err := batch.New(2, 20)
	if err != nil {
		t.Fatalf("batch.New: %v", err)
	}
	return p
}

func constItems(lengths ...int) []feature.Item {
	items := make([]feature.Item, len(lengths))
	for i, l := range lengths {
		samples := make([]float32, l)
		for j := range samples {
			samples[j] = float32(i + 1)
		}
		items[i] = feature.Item{ID: fmt.Sprintf("item-%d", i), Samples: samples}
	}
	return items
}

func newExtractor(t *testing.T, cfg extract.Config) *extract.Extractor {
	t.Helper()
	e, err := extract.New(cfg)
	if err != nil {
		t.Fatalf("extract.New: %v", err)
	}
	return e
}

func TestRunWritesOneRecordPerItem(t *testing.T) {
	ctx := context.Background()
	lengths := []int{20, 7, 16, 33}
	ds := dataset.NewMemory(constItems(lengths...))
	st := newStore(t)
	enc := newEncoder(t, newBackbone())

	e := newExtractor(t, extract.Config{
		Feature: "flat",
		Dataset: ds,
		Store:   st,
		Encoder: enc,
		Planner: newPlanner(t),
	})
	report, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Written != len(lengths) || report.Failed != 0 || report.CacheHits != 0 {
		t.Fatalf("report = %s", report.Summary())
	}

	for i, l := range lengths {
		id := fmt.Sprintf("item-%d", i)
		rec, err := st.Read(ctx, store.Key{ItemID: id, Feature: "flat"})
		if err != nil {
			t.Fatalf("Read(%s): %v", id, err)
		}
		wantRows := (l + testPatch - 1) / testPatch
		if rec.Rows != wantRows || rec.Dim != testDim {
			t.Errorf("%s: shape = (%d, %d), want (%d, %d)", id, rec.Rows, rec.Dim, wantRows, testDim)
		}
		if rec.StepMs != 0.01*testPatch*1000 {
			t.Errorf("%s: StepMs = %v, want %v", id, rec.StepMs, 0.01*testPatch*1000)
		}
		if len(rec.Data) != wantRows*testDim {
			t.Errorf("%s: data length %d, want %d", id, len(rec.Data), wantRows*testDim)
		}
	}
}

func TestRerunSkipsCachedItems(t *testing.T) {
	ctx := context.Background()
	ds := dataset.NewMemory(constItems(20, 7, 16))
	st := newStore(t)
	bb := newBackbone()

	cfg := extract.Config{
		Feature: "flat",
		Dataset: ds,
		Store:   st,
		Encoder: newEncoder(t, bb),
		Planner: newPlanner(t),
	}
	first, err := newExtractor(t, cfg).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Written != 3 {
		t.Fatalf("first run: %s", first.Summary())
	}
	before := make(map[string][]float32)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("item-%d", i)
		rec, err := st.Read(ctx, store.Key{ItemID: id, Feature: "flat"})
		if err != nil {
			t.Fatal(err)
		}
		before[id] = rec.Data
	}

	bb.Calls = nil
	second, err := newExtractor(t, cfg).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Written != 0 || second.CacheHits != 3 {
		t.Errorf("second run: %s", second.Summary())
	}
	if len(bb.Calls) != 0 {
		t.Errorf("backbone was called %d times on a fully cached run", len(bb.Calls))
	}
	for id, want := range before {
		rec, err := st.Read(ctx, store.Key{ItemID: id, Feature: "flat"})
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.Data) != len(want) {
			t.Fatalf("%s changed length on rerun", id)
		}
		for j := range want {
			if rec.Data[j] != want[j] {
				t.Fatalf("%s: Data[%d] changed from %v to %v", id, j, want[j], rec.Data[j])
			}
		}
	}
}

func TestPartialCacheComputesOnlyMisses(t *testing.T) {
	ctx := context.Background()
	items := constItems(20, 7, 16, 33, 12)
	ds := dataset.NewMemory(items)
	st := newStore(t)
	bb := newBackbone()
	enc := newEncoder(t, bb)

	// Seed the cache with three of the five items by extracting a reduced
	// dataset first.
	seedCfg := extract.Config{
		Feature: "flat",
		Dataset: dataset.NewMemory(items[:3]),
		Store:   st,
		Encoder: enc,
		Planner: newPlanner(t),
	}
	if _, err := newExtractor(t, seedCfg).Run(ctx); err != nil {
		t.Fatal(err)
	}

	report, err := newExtractor(t, extract.Config{
		Feature: "flat",
		Dataset: ds,
		Store:   st,
		Encoder: enc,
		Planner: newPlanner(t),
	}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Written != 2 || report.CacheHits != 3 || report.Failed != 0 {
		t.Errorf("report = %s, want 2 written and 3 cached", report.Summary())
	}
}

func TestFailuresAreIsolatedPerItem(t *testing.T) {
	ctx := context.Background()
	items := constItems(20, 7, 16, 12)
	items[3].Samples = nil // empty item
	ds := dataset.NewMemory(items)
	loadErr := errors.New("read: device timeout")
	ds.FailOn = map[string]error{"item-1": loadErr}

	st := newStore(t)
	report, err := newExtractor(t, extract.Config{
		Feature: "flat",
		Dataset: ds,
		Store:   st,
		Encoder: newEncoder(t, newBackbone()),
		Planner: newPlanner(t),
	}).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil despite item failures", err)
	}
	if report.Written != 2 || report.Failed != 2 {
		t.Fatalf("report = %s, want 2 written and 2 failed", report.Summary())
	}

	failed := map[string]error{}
	for _, f := range report.Failures {
		failed[f.ItemID] = f.Err
	}
	if !errors.Is(failed["item-1"], loadErr) {
		t.Errorf("item-1 failure = %v, want wrapped load error", failed["item-1"])
	}
	var shapeErr *feature.ShapeError
	if !errors.As(failed["item-3"], &shapeErr) {
		t.Errorf("item-3 failure = %v, want ShapeError", failed["item-3"])
	}

	// The healthy items made it to the cache.
	for _, id := range []string{"item-0", "item-2"} {
		if ok, _ := st.Exists(ctx, store.Key{ItemID: id, Feature: "flat"}); !ok {
			t.Errorf("%s missing from cache", id)
		}
	}
}

func TestEncodeFailureDoesNotAbortRun(t *testing.T) {
	ctx := context.Background()
	items := constItems(20, 7, 16)
	ds := dataset.NewMemory(items)

	bb := newBackbone()
	// constItems fills item-1 with the value 2; the front end replicates
	// sample values into spectrogram cells, so poisoning on cell value
	// targets exactly that item.
	bb.Fail = func(chunk feature.Spectrogram) error {
		if len(chunk.Data) > 0 && chunk.Data[0] == 2 {
			return errors.New("nan in activations")
		}
		return nil
	}

	st := newStore(t)
	report, err := newExtractor(t, extract.Config{
		Feature: "flat",
		Dataset: ds,
		Store:   st,
		Encoder: newEncoder(t, bb),
		Planner: newPlanner(t),
	}).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Written != 2 || report.Failed != 1 {
		t.Fatalf("report = %s, want 2 written and 1 failed", report.Summary())
	}
	var encErr *feature.EncodingError
	if !errors.As(report.Failures[0].Err, &encErr) || encErr.ItemID != "item-1" {
		t.Errorf("failure = %v, want EncodingError for item-1", report.Failures[0].Err)
	}
	if ok, _ := st.Exists(ctx, store.Key{ItemID: "item-1", Feature: "flat"}); ok {
		t.Error("failed item must not leave a record in the cache")
	}
}

// With itemization, an item split into sub-items must still produce exactly
// the rows its true duration dictates, with padding rows trimmed away.
func TestItemizedTrimMatchesDuration(t *testing.T) {
	ctx := context.Background()
	lengths := []int{33, 16, 5}
	ds := dataset.NewMemory(constItems(lengths...))
	st := newStore(t)

	report, err := newExtractor(t, extract.Config{
		Feature: "itemized",
		Dataset: ds,
		Store:   st,
		Encoder: newEncoder(t, newBackbone()),
		Planner: newPlanner(t),
		Pack:    pack.Options{Itemize: true, UnitLen: testUnit, Padding: pack.Repeat},
	}).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Written != len(lengths) {
		t.Fatalf("report = %s", report.Summary())
	}
	for i, l := range lengths {
		id := fmt.Sprintf("item-%d", i)
		rec, err := st.Read(ctx, store.Key{ItemID: id, Feature: "itemized"})
		if err != nil {
			t.Fatal(err)
		}
		wantRows := (l + testPatch - 1) / testPatch
		if rec.Rows != wantRows {
			t.Errorf("%s (len %d): rows = %d, want %d", id, l, rec.Rows, wantRows)
		}
	}
}

func TestConcurrentWorkersProduceSameRecords(t *testing.T) {
	ctx := context.Background()
	lengths := []int{20, 7, 16, 33, 12, 41, 9, 28}
	st := newStore(t)

	cfg := extract.Config{
		Feature: "flat",
		Dataset: dataset.NewMemory(constItems(lengths...)),
		Store:   st,
		Encoder: newEncoder(t, &mock.Backbone{Unit: testUnit, Patch: testPatch, Bins: testBins, PB: 4, EmbedDim: testDim}),
		Planner: newPlanner(t),
		Workers: 3,
	}
	report, err := newExtractor(t, cfg).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Written != len(lengths) || report.Failed != 0 {
		t.Fatalf("report = %s", report.Summary())
	}

	// Sequential reference run into a second cache.
	refStore := newStore(t)
	refCfg := cfg
	refCfg.Store = refStore
	refCfg.Workers = 0
	refCfg.Encoder = newEncoder(t, &mock.Backbone{Unit: testUnit, Patch: testPatch, Bins: testBins, PB: 4, EmbedDim: testDim})
	if _, err := newExtractor(t, refCfg).Run(ctx); err != nil {
		t.Fatal(err)
	}

	for i := range lengths {
		id := fmt.Sprintf("item-%d", i)
		got, err := st.Read(ctx, store.Key{ItemID: id, Feature: "flat"})
		if err != nil {
			t.Fatal(err)
		}
		want, err := refStore.Read(ctx, store.Key{ItemID: id, Feature: "flat"})
		if err != nil {
			t.Fatal(err)
		}
		if got.Rows != want.Rows {
			t.Fatalf("%s: rows %d vs %d", id, got.Rows, want.Rows)
		}
		for j := range want.Data {
			if got.Data[j] != want.Data[j] {
				t.Fatalf("%s: Data[%d] differs between concurrent and sequential runs", id, j)
			}
		}
	}
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	ds := dataset.NewMemory(constItems(10))
	st := newStore(t)
	enc := newEncoder(t, newBackbone())
	pl := newPlanner(t)

	cases := []struct {
		name string
		cfg  extract.Config
	}{
		{"missing feature", extract.Config{Dataset: ds, Store: st, Encoder: enc, Planner: pl}},
		{"missing dataset", extract.Config{Feature: "f", Store: st, Encoder: enc, Planner: pl}},
		{"missing store", extract.Config{Feature: "f", Dataset: ds, Encoder: enc, Planner: pl}},
		{"missing encoder", extract.Config{Feature: "f", Dataset: ds, Store: st, Planner: pl}},
		{"missing planner", extract.Config{Feature: "f", Dataset: ds, Store: st, Encoder: enc}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := extract.New(tc.cfg); !errors.Is(err, feature.ErrConfig) {
				t.Errorf("New() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestRunEmitsSpansPerBatchAndItem(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	lengths := []int{20, 7, 16}
	ds := dataset.NewMemory(constItems(lengths...))
	e := newExtractor(t, extract.Config{
		Feature: "flat",
		Dataset: ds,
		Store:   newStore(t),
		Encoder: newEncoder(t, newBackbone()),
		Planner: newPlanner(t),
	})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var batches, items int
	itemIDs := map[string]bool{}
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "extract.batch":
			batches++
		case "extract.item":
			items++
			for _, attr := range s.Attributes() {
				if attr.Key == "item.id" {
					itemIDs[attr.Value.AsString()] = true
				}
			}
		}
	}
	// Budget 2×20: the first two items fill one batch, the third gets its
	// own.
	if batches != 2 {
		t.Errorf("got %d batch spans, want 2", batches)
	}
	if items != len(lengths) {
		t.Errorf("got %d item spans, want %d", items, len(lengths))
	}
	for i := range lengths {
		if id := fmt.Sprintf("item-%d", i); !itemIDs[id] {
			t.Errorf("no item span carries item.id %q", id)
		}
	}
}
