// Package remote connects the encoder to a backbone model served over a
// WebSocket. The model process (typically a GPU host running the actual
// network) announces its geometry on connect; each Encode call is one
// request/response exchange of msgpack frames.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/feature"
)

// Compile-time assertion that Backbone satisfies the encoder contract.
var _ encode.Backbone = (*Backbone)(nil)

// hello is the first frame the server sends after the handshake. It fixes
// the model geometry for the lifetime of the connection.
type hello struct {
	Name        string `msgpack:"name"`
	UnitFrames  int    `msgpack:"unit_frames"`
	PatchFrames int    `msgpack:"patch_frames"`
	MelBins     int    `msgpack:"mel_bins"`
	FreqPatches int    `msgpack:"freq_patches"`
	Dim         int    `msgpack:"dim"`
}

// encodeRequest carries one spectrogram chunk to the server.
type encodeRequest struct {
	Bins   int       `msgpack:"bins"`
	Frames int       `msgpack:"frames"`
	Data   []float32 `msgpack:"data"`
}

// encodeResponse carries the token grid back, or an error message.
type encodeResponse struct {
	FPatches int       `msgpack:"f_patches"`
	TPatches int       `msgpack:"t_patches"`
	Dim      int       `msgpack:"dim"`
	Data     []float32 `msgpack:"data"`
	Error    string    `msgpack:"error"`
}

// Backbone is a WebSocket client for a remote backbone model. Encode
// serializes exchanges on the single connection, so concurrent callers
// take turns.
type Backbone struct {
	conn *websocket.Conn
	geom hello

	mu sync.Mutex
}

// Option configures Dial.
type Option func(*dialConfig)

type dialConfig struct {
	header    http.Header
	readLimit int64
}

// WithHeader adds HTTP headers to the handshake request, e.g. for bearer
// auth on a shared inference host.
func WithHeader(h http.Header) Option {
	return func(c *dialConfig) { c.header = h }
}

// WithReadLimit overrides the maximum accepted message size in bytes.
// The default of 64 MiB covers token grids for long chunks.
func WithReadLimit(n int64) Option {
	return func(c *dialConfig) { c.readLimit = n }
}

// Dial connects to the backbone server at url and reads its geometry
// announcement. The returned Backbone is ready for Encode calls.
func Dial(ctx context.Context, url string, opts ...Option) (*Backbone, error) {
	cfg := dialConfig{readLimit: 64 << 20}
	for _, o := range opts {
		o(&cfg)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: cfg.header,
	})
	if err != nil {
		return nil, fmt.Errorf("backbone dial: %w", err)
	}
	conn.SetReadLimit(cfg.readLimit)

	var h hello
	if err := readMsgpack(ctx, conn, &h); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad hello")
		return nil, fmt.Errorf("backbone handshake: %w", err)
	}
	if err := validateGeometry(h); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad geometry")
		return nil, err
	}
	return &Backbone{conn: conn, geom: h}, nil
}

func validateGeometry(h hello) error {
	switch {
	case h.UnitFrames <= 0 || h.PatchFrames <= 0:
		return feature.ConfigErrorf("backbone announced unit %d patch %d", h.UnitFrames, h.PatchFrames)
	case h.UnitFrames%h.PatchFrames != 0:
		return feature.ConfigErrorf("backbone unit %d not a multiple of patch %d", h.UnitFrames, h.PatchFrames)
	case h.MelBins <= 0 || h.FreqPatches <= 0 || h.Dim <= 0:
		return feature.ConfigErrorf("backbone announced bins %d freq patches %d dim %d",
			h.MelBins, h.FreqPatches, h.Dim)
	}
	return nil
}

// Name reports the model name announced by the server.
func (b *Backbone) Name() string { return b.geom.Name }

func (b *Backbone) UnitFrames() int  { return b.geom.UnitFrames }
func (b *Backbone) PatchFrames() int { return b.geom.PatchFrames }
func (b *Backbone) MelBins() int     { return b.geom.MelBins }
func (b *Backbone) FreqPatches() int { return b.geom.FreqPatches }
func (b *Backbone) Dim() int         { return b.geom.Dim }

// Encode sends one chunk to the server and waits for its token grid.
func (b *Backbone) Encode(ctx context.Context, chunk feature.Spectrogram) (encode.Grid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, err := msgpack.Marshal(encodeRequest{
		Bins:   chunk.Bins,
		Frames: chunk.Frames,
		Data:   chunk.Data,
	})
	if err != nil {
		return encode.Grid{}, fmt.Errorf("backbone request: %w", err)
	}
	if err := b.conn.Write(ctx, websocket.MessageBinary, req); err != nil {
		return encode.Grid{}, fmt.Errorf("backbone send: %w", err)
	}

	var resp encodeResponse
	if err := readMsgpack(ctx, b.conn, &resp); err != nil {
		return encode.Grid{}, fmt.Errorf("backbone receive: %w", err)
	}
	if resp.Error != "" {
		return encode.Grid{}, fmt.Errorf("backbone: %s", resp.Error)
	}
	if len(resp.Data) != resp.FPatches*resp.TPatches*resp.Dim {
		return encode.Grid{}, fmt.Errorf("backbone grid %dx%dx%d does not match %d values",
			resp.FPatches, resp.TPatches, resp.Dim, len(resp.Data))
	}
	return encode.Grid{
		FPatches: resp.FPatches,
		TPatches: resp.TPatches,
		Dim:      resp.Dim,
		Data:     resp.Data,
	}, nil
}

// Close ends the session with a normal closure.
func (b *Backbone) Close() error {
	err := b.conn.Close(websocket.StatusNormalClosure, "done")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func readMsgpack(ctx context.Context, conn *websocket.Conn, v any) error {
	typ, raw, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if typ != websocket.MessageBinary {
		return fmt.Errorf("unexpected %v message", typ)
	}
	return msgpack.Unmarshal(raw, v)
}
