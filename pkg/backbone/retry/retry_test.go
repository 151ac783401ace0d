package retry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/audiolith/featforge/pkg/backbone/retry"
	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/encode/mock"
	"github.com/audiolith/featforge/pkg/feature"
)

const (
	testUnit  = 8
	testPatch = 4
	testBins  = 4
	testPB    = 2
	testDim   = 3
)

// session wraps the deterministic mock backbone with close tracking and a
// countdown of forced failures.
type session struct {
	*mock.Backbone

	mu       sync.Mutex
	failures int
	closed   bool
}

var _ io.Closer = (*session)(nil)

func newSession(failures int) *session {
	s := &session{failures: failures}
	s.Backbone = &mock.Backbone{
		Unit: testUnit, Patch: testPatch, Bins: testBins, PB: testPB, EmbedDim: testDim,
		Fail: func(feature.Spectrogram) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.failures > 0 {
				s.failures--
				return errors.New("connection reset")
			}
			return nil
		},
	}
	return s
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// dialQueue hands out pre-built sessions in order and counts dials.
type dialQueue struct {
	mu       sync.Mutex
	sessions []encode.Backbone
	dials    int
}

func (q *dialQueue) dial(context.Context) (encode.Backbone, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dials++
	if len(q.sessions) == 0 {
		return nil, errors.New("connection refused")
	}
	s := q.sessions[0]
	q.sessions = q.sessions[1:]
	return s, nil
}

func quietOpts() retry.Options {
	return retry.Options{
		RedialDelay: time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testChunk() feature.Spectrogram {
	data := make([]float32, testBins*testUnit)
	for i := range data {
		data[i] = float32(i)
	}
	return feature.Spectrogram{Bins: testBins, Frames: testUnit, Data: data}
}

func TestEncodeRetriesAfterConnectionDrop(t *testing.T) {
	t.Parallel()

	bad := newSession(1)
	good := newSession(0)
	q := &dialQueue{sessions: []encode.Backbone{bad, good}}

	opts := quietOpts()
	opts.MaxAttempts = 3
	bb, err := retry.New(context.Background(), q.dial, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bb.Close()

	grid, err := bb.Encode(context.Background(), testChunk())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if grid.TPatches != testUnit/testPatch || grid.Dim != testDim {
		t.Errorf("grid %dx%dx%d, want %dx%dx%d",
			grid.FPatches, grid.TPatches, grid.Dim, testBins/testPB, testUnit/testPatch, testDim)
	}
	if q.dials != 2 {
		t.Errorf("dials = %d, want 2", q.dials)
	}
	if !bad.isClosed() {
		t.Error("failed session was not closed before redial")
	}
}

func TestGeometryIsServedFromFirstSession(t *testing.T) {
	t.Parallel()

	q := &dialQueue{sessions: []encode.Backbone{newSession(0)}}
	bb, err := retry.New(context.Background(), q.dial, quietOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bb.Close()

	if bb.UnitFrames() != testUnit || bb.PatchFrames() != testPatch ||
		bb.MelBins() != testBins || bb.FreqPatches() != testBins/testPB || bb.Dim() != testDim {
		t.Errorf("geometry %d/%d/%d/%d/%d does not match the session",
			bb.UnitFrames(), bb.PatchFrames(), bb.MelBins(), bb.FreqPatches(), bb.Dim())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	// One working session to satisfy New, then every dial is refused.
	first := newSession(1000)
	q := &dialQueue{sessions: []encode.Backbone{first}}

	opts := quietOpts()
	opts.MaxAttempts = 2
	opts.MaxFailures = 2
	opts.ResetTimeout = time.Hour
	bb, err := retry.New(context.Background(), q.dial, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bb.Close()

	if _, err := bb.Encode(context.Background(), testChunk()); err == nil {
		t.Fatal("Encode succeeded against a dead backbone")
	}
	_, err = bb.Encode(context.Background(), testChunk())
	if !errors.Is(err, retry.ErrUnavailable) {
		t.Fatalf("open breaker returned %v, want ErrUnavailable", err)
	}
}

func TestBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	t.Parallel()

	first := newSession(1000)
	recovered := newSession(0)
	q := &dialQueue{sessions: []encode.Backbone{first}}

	opts := quietOpts()
	opts.MaxAttempts = 1
	opts.MaxFailures = 1
	opts.ResetTimeout = 10 * time.Millisecond
	bb, err := retry.New(context.Background(), q.dial, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bb.Close()

	if _, err := bb.Encode(context.Background(), testChunk()); err == nil {
		t.Fatal("Encode succeeded against a dead backbone")
	}

	// The host comes back while the breaker is open.
	q.mu.Lock()
	q.sessions = []encode.Backbone{recovered}
	q.mu.Unlock()

	time.Sleep(2 * opts.ResetTimeout)
	if _, err := bb.Encode(context.Background(), testChunk()); err != nil {
		t.Fatalf("probe after reset timeout failed: %v", err)
	}
	// Closed again: the next call goes straight through.
	if _, err := bb.Encode(context.Background(), testChunk()); err != nil {
		t.Fatalf("Encode after recovery failed: %v", err)
	}
}

func TestChangedGeometryOnRedialIsFatal(t *testing.T) {
	t.Parallel()

	first := newSession(1000)
	wrong := newSession(0)
	wrong.Backbone.Unit = testUnit * 2

	q := &dialQueue{sessions: []encode.Backbone{first, wrong}}
	opts := quietOpts()
	opts.MaxAttempts = 2
	bb, err := retry.New(context.Background(), q.dial, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bb.Close()

	_, err = bb.Encode(context.Background(), testChunk())
	if !errors.Is(err, feature.ErrConfig) {
		t.Fatalf("geometry change returned %v, want ErrConfig", err)
	}
	if !wrong.isClosed() {
		t.Error("rejected session was left open")
	}
}

func TestNewFailsWhenFirstDialFails(t *testing.T) {
	t.Parallel()

	q := &dialQueue{}
	if _, err := retry.New(context.Background(), q.dial, quietOpts()); err == nil {
		t.Fatal("New succeeded with no reachable backbone")
	}
}

func TestEncodeHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	first := newSession(1000)
	q := &dialQueue{sessions: []encode.Backbone{first}}
	opts := quietOpts()
	opts.MaxAttempts = 5
	opts.RedialDelay = time.Hour
	bb, err := retry.New(context.Background(), q.dial, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := bb.Encode(ctx, testChunk())
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Encode returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Encode did not return after cancellation")
	}
}
