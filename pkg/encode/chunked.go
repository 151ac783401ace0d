package encode

import (
	"context"
	"fmt"

	"github.com/audiolith/featforge/pkg/feature"
)

// Encoder drives chunked encoding for one backbone and aggregation mode. It
// is immutable after construction and safe for concurrent use if the backbone
// is.
type Encoder struct {
	front FrontEnd
	bb    Backbone
	agg   Aggregation
}

// Result is one encoded sequence: Rows time steps of Dim values each, plus
// the constant per-row duration.
type Result struct {
	Rows   int
	Dim    int
	Data   []float32
	StepMs float64
}

// Row returns row t of the result. Aliases Data.
func (r *Result) Row(t int) []float32 {
	return r.Data[t*r.Dim : (t+1)*r.Dim]
}

// New creates an Encoder. front may be nil when only EncodeSpectrogram and
// RowsForFrames are used; a frontless encoder reports a StepMs of 0 and must
// not be asked to transform raw samples. Fails with a configuration error if
// the backbone geometry is inconsistent or the aggregation mode is unknown.
func New(front FrontEnd, bb Backbone, agg Aggregation) (*Encoder, error) {
	if bb.UnitFrames() <= 0 {
		return nil, feature.ConfigErrorf("unit frames must be > 0, got %d", bb.UnitFrames())
	}
	if bb.PatchFrames() <= 0 {
		return nil, feature.ConfigErrorf("patch frames must be > 0, got %d", bb.PatchFrames())
	}
	if bb.UnitFrames()%bb.PatchFrames() != 0 {
		return nil, feature.ConfigErrorf("unit frames %d is not a multiple of patch frames %d",
			bb.UnitFrames(), bb.PatchFrames())
	}
	if !agg.IsValid() {
		return nil, feature.ConfigErrorf("unknown aggregation mode %q (valid: flat, stacked)", agg)
	}
	return &Encoder{front: front, bb: bb, agg: agg}, nil
}

// OutDim returns the output row width: the backbone's embedding width in flat
// mode, or width × frequency patches in stacked mode.
func (e *Encoder) OutDim() int {
	if e.agg == AggregationStacked {
		return e.bb.Dim() * e.bb.FreqPatches()
	}
	return e.bb.Dim()
}

// StepMs returns the constant duration represented by one output row, in
// milliseconds, derived from the front-end hop and the temporal patch size.
// A frontless encoder reports 0: spectrogram callers know their own hop.
func (e *Encoder) StepMs() float64 {
	if e.front == nil {
		return 0
	}
	return e.front.HopSeconds() * float64(e.bb.PatchFrames()) * 1000
}

// RowsFor returns the number of output rows a sequence of n raw samples
// produces: its frame count rounded up to whole temporal patches. Requires a
// front end; use RowsForFrames when feeding spectrograms directly.
func (e *Encoder) RowsFor(n int) int {
	return e.RowsForFrames(e.front.NumFrames(n))
}

// RowsForFrames returns the number of output rows a spectrogram with the
// given frame count produces.
func (e *Encoder) RowsForFrames(frames int) int {
	return rowsForFrames(frames, e.bb.PatchFrames())
}

// EncodeWaveform transforms samples through the front-end and encodes the
// resulting spectrogram.
func (e *Encoder) EncodeWaveform(ctx context.Context, samples []float32) (*Result, error) {
	return e.EncodeSpectrogram(ctx, e.front.Transform(samples))
}

// EncodeSpectrogram encodes one 2-D representation of arbitrary frame count.
//
// The time axis is first right-padded with zeros to the next multiple of the
// patch size so every chunk is tokenizable, then split into
// ceil(frames/unitFrames) contiguous chunks. Each chunk is encoded
// independently and the outputs are concatenated along time in chunk order,
// so the result length is proportional to the true input duration and
// independent of the chunk count. A zero-frame input yields a (0, OutDim)
// result; padding never creates a row where no content existed.
func (e *Encoder) EncodeSpectrogram(ctx context.Context, s feature.Spectrogram) (*Result, error) {
	if s.Bins != e.bb.MelBins() {
		return nil, fmt.Errorf("spectrogram has %d bins, backbone expects %d", s.Bins, e.bb.MelBins())
	}

	unit := e.bb.UnitFrames()
	patch := e.bb.PatchFrames()

	res := &Result{Dim: e.OutDim(), StepMs: e.StepMs()}
	if s.Frames == 0 {
		return res, nil
	}

	// Right-pad the time axis with zeros so the final chunk still divides
	// into whole patches.
	padded := padToPatch(s, unit, patch)
	nChunks := (s.Frames + unit - 1) / unit

	res.Data = make([]float32, 0, rowsForFrames(padded.Frames, patch)*res.Dim)
	for i := 0; i < nChunks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from := i * unit
		to := min(from+unit, padded.Frames)
		grid, err := e.bb.Encode(ctx, padded.Slice(from, to))
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, nChunks, err)
		}
		if err := e.checkGrid(grid, to-from); err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, nChunks, err)
		}
		e.appendChunk(res, grid)
	}
	res.Rows = len(res.Data) / res.Dim
	return res, nil
}

// checkGrid validates the backbone's output geometry against the chunk it
// was given.
func (e *Encoder) checkGrid(g Grid, chunkFrames int) error {
	if g.FPatches != e.bb.FreqPatches() {
		return fmt.Errorf("backbone returned %d frequency patches, want %d",
			g.FPatches, e.bb.FreqPatches())
	}
	wantT := chunkFrames / e.bb.PatchFrames()
	if g.TPatches != wantT {
		return fmt.Errorf("backbone returned %d time patches for %d frames, want %d",
			g.TPatches, chunkFrames, wantT)
	}
	if len(g.Data) != g.FPatches*g.TPatches*g.Dim {
		return fmt.Errorf("backbone grid has %d values, want %d",
			len(g.Data), g.FPatches*g.TPatches*g.Dim)
	}
	return nil
}

// appendChunk folds one chunk's token grid into the result per the
// aggregation mode.
func (e *Encoder) appendChunk(res *Result, g Grid) {
	switch e.agg {
	case AggregationStacked:
		// One row per time patch: all frequency tokens concatenated.
		for t := 0; t < g.TPatches; t++ {
			for f := 0; f < g.FPatches; f++ {
				res.Data = append(res.Data, g.Token(f, t)...)
			}
		}
	default: // AggregationFlat
		// One row per time patch: frequency tokens averaged.
		inv := float32(1) / float32(g.FPatches)
		for t := 0; t < g.TPatches; t++ {
			row := make([]float32, g.Dim)
			for f := 0; f < g.FPatches; f++ {
				tok := g.Token(f, t)
				for d := range row {
					row[d] += tok[d]
				}
			}
			for d := range row {
				row[d] *= inv
			}
			res.Data = append(res.Data, row...)
		}
	}
}

// padToPatch right-pads the spectrogram's time axis with zero frames so that
// the final chunk divides into whole patches. Matches the trained model's
// padding arithmetic: only the remainder of the last window is padded.
func padToPatch(s feature.Spectrogram, unit, patch int) feature.Spectrogram {
	pad := (patch - s.Frames%unit%patch) % patch
	if pad == 0 {
		return s
	}
	data := make([]float32, (s.Frames+pad)*s.Bins)
	copy(data, s.Data)
	return feature.Spectrogram{Bins: s.Bins, Frames: s.Frames + pad, Data: data}
}

// rowsForFrames rounds a frame count up to whole temporal patches.
func rowsForFrames(frames, patch int) int {
	return (frames + patch - 1) / patch
}
