// Package retry wraps a backbone with reconnection and a circuit breaker.
//
// Remote backbones ride on a single long-lived connection to a GPU host, and
// that connection drops: the host restarts, the network blips, an idle proxy
// cuts the stream. The wrapper redials through a [DialFunc] and retries the
// failed chunk, so a transient drop costs one round trip instead of the whole
// extraction run. A classic three-state breaker (closed, open, half-open)
// stops the redial loop from hammering a host that is actually down.
//
// All methods are safe for concurrent use.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/feature"
)

// Compile-time assertion that Backbone satisfies the encoder contract.
var _ encode.Backbone = (*Backbone)(nil)

// ErrUnavailable is returned by Encode while the breaker is open and the
// reset timeout has not yet elapsed.
var ErrUnavailable = errors.New("backbone unavailable")

// DialFunc establishes a fresh backbone session. It is called once at
// construction and again after every dropped connection.
type DialFunc func(ctx context.Context) (encode.Backbone, error)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options holds tuning knobs for the wrapper. The zero value selects
// defaults suitable for a backbone on the same network segment.
type Options struct {
	// MaxAttempts is the number of encode attempts per call, counting the
	// first one. Default: 2.
	MaxAttempts int

	// MaxFailures is the number of consecutive failed attempts before the
	// breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting a
	// probe call. Default: 30s.
	ResetTimeout time.Duration

	// RedialDelay is the pause before each redial attempt. Default: 500ms.
	RedialDelay time.Duration

	// Logger receives state transition logs. Nil uses slog.Default.
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	if o.RedialDelay <= 0 {
		o.RedialDelay = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// geometry is the model shape learned from the first session. Every later
// session must announce the same shape, since cached records depend on it.
type geometry struct {
	unit, patch, bins, fpatches, dim int
}

func geometryOf(bb encode.Backbone) geometry {
	return geometry{
		unit:     bb.UnitFrames(),
		patch:    bb.PatchFrames(),
		bins:     bb.MelBins(),
		fpatches: bb.FreqPatches(),
		dim:      bb.Dim(),
	}
}

// Backbone forwards Encode calls to an inner session, transparently
// redialing it after failures.
type Backbone struct {
	dial DialFunc
	opts Options
	geom geometry

	mu       sync.Mutex
	inner    encode.Backbone
	failures int
	state    state
	openedAt time.Time
}

// New dials the first session and returns the wrapping backbone. The
// initial dial is not retried; a backbone that is down at startup is a
// configuration problem, not a blip.
func New(ctx context.Context, dial DialFunc, opts Options) (*Backbone, error) {
	opts.applyDefaults()
	inner, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return &Backbone{
		dial:  dial,
		opts:  opts,
		geom:  geometryOf(inner),
		inner: inner,
	}, nil
}

func (b *Backbone) UnitFrames() int  { return b.geom.unit }
func (b *Backbone) PatchFrames() int { return b.geom.patch }
func (b *Backbone) MelBins() int     { return b.geom.bins }
func (b *Backbone) FreqPatches() int { return b.geom.fpatches }
func (b *Backbone) Dim() int         { return b.geom.dim }

// Encode forwards the chunk, redialing and retrying on failure up to
// MaxAttempts times. Context errors and geometry mismatches are returned
// immediately; everything else counts against the breaker.
func (b *Backbone) Encode(ctx context.Context, chunk feature.Spectrogram) (encode.Grid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.admit() {
		return encode.Grid{}, fmt.Errorf("%w: breaker open for %s",
			ErrUnavailable, time.Since(b.openedAt).Round(time.Millisecond))
	}

	var lastErr error
	for attempt := 0; attempt < b.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, b.opts.RedialDelay); err != nil {
				return encode.Grid{}, err
			}
		}

		if b.inner == nil {
			inner, err := b.dial(ctx)
			if err != nil {
				lastErr = err
				if b.recordFailure("dial", err) {
					break
				}
				continue
			}
			if g := geometryOf(inner); g != b.geom {
				closeSession(inner)
				return encode.Grid{}, feature.ConfigErrorf(
					"backbone came back with different geometry: had %+v, got %+v", b.geom, g)
			}
			b.inner = inner
		}

		grid, err := b.inner.Encode(ctx, chunk)
		if err == nil {
			b.recordSuccess()
			return grid, nil
		}
		if ctx.Err() != nil {
			return encode.Grid{}, ctx.Err()
		}

		// The session is suspect after any failure. Drop it so the next
		// attempt starts from a fresh handshake.
		b.dropSession()
		lastErr = err
		if b.recordFailure("encode", err) {
			break
		}
	}
	return encode.Grid{}, fmt.Errorf("backbone gave up after %d attempts: %w",
		b.opts.MaxAttempts, lastErr)
}

// Close ends the current session, if any. The caller holds no lock ordering
// obligations; Close may race with an in-flight Encode and simply waits.
func (b *Backbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inner == nil {
		return nil
	}
	inner := b.inner
	b.inner = nil
	return closeSession(inner)
}

// admit reports whether a call may proceed, moving the breaker from open to
// half-open once the reset timeout has elapsed. Caller holds b.mu.
func (b *Backbone) admit() bool {
	if b.state != stateOpen {
		return true
	}
	if time.Since(b.openedAt) < b.opts.ResetTimeout {
		return false
	}
	b.state = stateHalfOpen
	b.opts.Logger.Info("backbone breaker half-open, probing")
	return true
}

// recordSuccess resets the breaker. Caller holds b.mu.
func (b *Backbone) recordSuccess() {
	if b.state != stateClosed {
		b.opts.Logger.Info("backbone recovered", "state", b.state.String())
	}
	b.state = stateClosed
	b.failures = 0
}

// recordFailure counts a failed attempt and reports whether the breaker
// opened as a result. A half-open probe failure re-opens immediately.
// Caller holds b.mu.
func (b *Backbone) recordFailure(op string, err error) bool {
	b.failures++
	trip := b.state == stateHalfOpen || b.failures >= b.opts.MaxFailures
	if trip {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.opts.Logger.Warn("backbone breaker opened",
			"op", op, "failures", b.failures, "reset", b.opts.ResetTimeout, "err", err)
	} else {
		b.opts.Logger.Warn("backbone attempt failed", "op", op, "failures", b.failures, "err", err)
	}
	return trip
}

func (b *Backbone) dropSession() {
	if b.inner == nil {
		return
	}
	closeSession(b.inner)
	b.inner = nil
}

func closeSession(bb encode.Backbone) error {
	if c, ok := bb.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
