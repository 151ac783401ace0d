// Command featforge extracts fixed-shape feature embeddings from a directory
// of audio files into a persistent cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolith/featforge/internal/config"
	"github.com/audiolith/featforge/internal/extract"
	"github.com/audiolith/featforge/internal/observe"
	"github.com/audiolith/featforge/internal/server"
	"github.com/audiolith/featforge/pkg/backbone/remote"
	"github.com/audiolith/featforge/pkg/backbone/retry"
	"github.com/audiolith/featforge/pkg/batch"
	"github.com/audiolith/featforge/pkg/dataset"
	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/pack"
	"github.com/audiolith/featforge/pkg/spectral"
	"github.com/audiolith/featforge/pkg/store"
	"github.com/audiolith/featforge/pkg/store/badgerstore"
	"github.com/audiolith/featforge/pkg/store/fsstore"
	"github.com/audiolith/featforge/pkg/store/pgstore"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "featforge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "featforge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "featforge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Log))

	slog.Info("featforge starting",
		"version", version,
		"config", *configPath,
		"feature", cfg.Extraction.Feature,
		"dataset", cfg.Dataset.Path,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "featforge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Pipeline assembly ─────────────────────────────────────────────────────
	ds, err := dataset.OpenWAVDir(cfg.Dataset.Path, cfg.Dataset.SampleRate)
	if err != nil {
		slog.Error("failed to open dataset", "err", err)
		return 1
	}
	if ds.Len() == 0 {
		slog.Error("dataset contains no WAV files", "path", cfg.Dataset.Path)
		return 1
	}

	profile, err := spectral.ProfileByRate(cfg.Dataset.SampleRate)
	if err != nil {
		slog.Error("no spectral profile for sample rate", "err", err)
		return 1
	}
	front, err := spectral.NewLogMel(profile)
	if err != nil {
		slog.Error("failed to build spectral front end", "err", err)
		return 1
	}

	bb, err := reg.CreateBackbone(ctx, cfg.Backbone)
	if err != nil {
		slog.Error("failed to create backbone", "name", cfg.Backbone.Name, "err", err)
		return 1
	}
	defer closeQuietly(bb, "backbone")
	if bb.MelBins() != front.Bins() {
		slog.Error("backbone mel bins do not match the spectral profile",
			"backbone", bb.MelBins(), "profile", front.Bins())
		return 1
	}

	enc, err := encode.New(front, bb, encode.Aggregation(cfg.Extraction.Aggregation))
	if err != nil {
		slog.Error("failed to build encoder", "err", err)
		return 1
	}

	st, err := reg.CreateStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open feature cache", "name", cfg.Store.Name, "err", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("cache close error", "err", err)
		}
	}()

	planner, err := newPlanner(cfg.Extraction)
	if err != nil {
		slog.Error("failed to build batch planner", "err", err)
		return 1
	}

	padding, err := pack.PolicyByName(cfg.Extraction.Padding)
	if err != nil {
		slog.Error("unknown padding policy", "err", err)
		return 1
	}

	extractor, err := extract.New(extract.Config{
		Feature: cfg.Extraction.Feature,
		Dataset: ds,
		Store:   st,
		Encoder: enc,
		Planner: planner,
		Pack: pack.Options{
			Itemize: cfg.Extraction.Itemize,
			UnitLen: cfg.Extraction.UnitLen,
			Padding: padding,
		},
		Workers: cfg.Extraction.Workers,
	})
	if err != nil {
		slog.Error("failed to build extractor", "err", err)
		return 1
	}

	// ── Ops endpoint (optional) ───────────────────────────────────────────────
	if cfg.Metrics.ListenAddr != "" {
		ops := server.New(cfg.Metrics.ListenAddr,
			server.Checker{Name: "cache", Check: func(ctx context.Context) error {
				_, err := st.Exists(ctx, store.Key{ItemID: "readyz-probe", Feature: cfg.Extraction.Feature})
				return err
			}},
		)
		errCh := ops.Start(ctx)
		go func() {
			if err := <-errCh; err != nil {
				slog.Error("ops server error", "err", err)
			}
		}()
		slog.Info("serving metrics", "addr", cfg.Metrics.ListenAddr)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	report, err := extractor.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && report != nil {
			slog.Warn("extraction interrupted", "partial", report.Summary())
			return 1
		}
		slog.Error("extraction failed", "err", err)
		return 1
	}

	fmt.Println(report.Summary())
	for _, f := range report.Failures {
		fmt.Fprintf(os.Stderr, "  %s: %v\n", f.ItemID, f.Err)
	}
	if report.Failed > 0 {
		return 2
	}
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the backbone and cache implementations that
// ship with featforge into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackbone("remote", func(ctx context.Context, entry config.BackboneEntry) (encode.Backbone, error) {
		var opts []remote.Option
		if entry.AuthToken != "" {
			h := http.Header{}
			h.Set("Authorization", "Bearer "+entry.AuthToken)
			opts = append(opts, remote.WithHeader(h))
		}
		dial := func(ctx context.Context) (encode.Backbone, error) {
			return remote.Dial(ctx, entry.URL, opts...)
		}
		return retry.New(ctx, dial, retry.Options{})
	})

	reg.RegisterStore("fs", func(_ context.Context, entry config.StoreEntry) (store.Store, error) {
		return fsstore.Open(entry.Path)
	})
	reg.RegisterStore("badger", func(_ context.Context, entry config.StoreEntry) (store.Store, error) {
		return badgerstore.Open(badgerstore.Options{Dir: entry.Path})
	})
	reg.RegisterStore("postgres", func(ctx context.Context, entry config.StoreEntry) (store.Store, error) {
		return pgstore.Open(ctx, entry.DSN, entry.EmbeddingDim)
	})
}

func newPlanner(ext config.ExtractionConfig) (*batch.Planner, error) {
	opts := []batch.Option{batch.WithPolicy(batch.Policy(ext.Policy))}
	if ext.ShuffleSeed != nil {
		opts = append(opts, batch.WithShuffle(*ext.ShuffleSeed))
	}
	return batch.New(ext.BatchSize, ext.ReferenceLength, opts...)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(cfg config.LogConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// closeQuietly closes v if it exposes a Close method, logging any error.
func closeQuietly(v any, what string) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("close error", "component", what, "err", err)
		}
	}
}
