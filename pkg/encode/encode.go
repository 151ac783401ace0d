// Package encode turns a 2-D time×feature representation of arbitrary length
// into one contiguous, time-ordered embedding sequence, even when the time
// axis exceeds the backbone's trained window.
//
// The backbone only ever sees windows of at most UnitFrames frames. The
// encoder splits the time axis into chunks, runs each chunk through the
// backbone independently, and concatenates the per-chunk token grids back
// along time. Because chunk boundaries always fall on patch boundaries, the
// reassembled sequence has no seam artifacts: encoding one item in a single
// chunk matches encoding the same content split across chunks.
package encode

import (
	"context"

	"github.com/audiolith/featforge/pkg/feature"
)

// Grid is the token grid a backbone produces for one chunk: FPatches
// frequency patches × TPatches time patches, each an embedding vector of Dim
// values. Data is laid out frequency-major, matching the backbone's token
// order: token (f, t) lives at Data[(f*TPatches+t)*Dim : ...+Dim].
//
// The backbone's leading summary token is meaningful only within a chunk and
// must be dropped before the grid is returned.
type Grid struct {
	FPatches int
	TPatches int
	Dim      int
	Data     []float32
}

// Token returns the embedding vector of patch (f, t). Aliases Data.
func (g Grid) Token(f, t int) []float32 {
	off := (f*g.TPatches + t) * g.Dim
	return g.Data[off : off+g.Dim]
}

// Backbone is the contract any fixed-window encoder must satisfy. A backbone
// is trained on windows of UnitFrames frames with a PatchFrames-frame
// temporal tokenization; the encoder guarantees every chunk it submits has
// MelBins bins and a frame count that is a multiple of PatchFrames and at
// most UnitFrames. A chunk shorter than UnitFrames must be handled by
// truncating positional information to the chunk's actual patch-grid size,
// not by padding the position signal.
type Backbone interface {
	// UnitFrames returns the trained window length in frames.
	UnitFrames() int

	// PatchFrames returns the temporal tokenization granularity in frames.
	PatchFrames() int

	// MelBins returns the expected number of frequency bins.
	MelBins() int

	// FreqPatches returns the number of frequency patches per time step in
	// the grids Encode produces.
	FreqPatches() int

	// Dim returns the embedding width of one token.
	Dim() int

	// Encode runs one chunk through the backbone and returns its token grid
	// with the summary token already removed. Inference only; implementations
	// keep no gradient state.
	Encode(ctx context.Context, chunk feature.Spectrogram) (Grid, error)
}

// FrontEnd converts a raw sample sequence into the normalized 2-D
// representation the backbone consumes.
type FrontEnd interface {
	// Transform computes the spectrogram of samples.
	Transform(samples []float32) feature.Spectrogram

	// NumFrames returns the frame count Transform would produce for a
	// sequence of n samples, without computing it.
	NumFrames(n int) int

	// HopSeconds returns the time advance between consecutive frames.
	HopSeconds() float64
}

// Aggregation selects how the frequency-patch tokens of one time step are
// combined in the output sequence.
type Aggregation string

const (
	// AggregationFlat averages the frequency-patch tokens of each time step,
	// yielding rows of the backbone's native embedding width.
	AggregationFlat Aggregation = "flat"

	// AggregationStacked concatenates all frequency-patch tokens of a time
	// step into one wider vector, trading sequence length for width.
	AggregationStacked Aggregation = "stacked"
)

// IsValid reports whether a is a recognised aggregation mode.
func (a Aggregation) IsValid() bool {
	return a == AggregationFlat || a == AggregationStacked
}
