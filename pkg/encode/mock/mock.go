// Package mock provides a deterministic in-process Backbone for tests. Each
// token is a pure function of its patch's cell values, so reassembled chunk
// outputs can be compared exactly against single-chunk encodes.
package mock

import (
	"context"
	"sync"

	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/feature"
)

// Compile-time assertion that Backbone implements encode.Backbone.
var _ encode.Backbone = (*Backbone)(nil)

// Backbone is a fake fixed-window encoder. Token (f, t) of a chunk is the
// mean of the 2-D patch covering bins [f·PB, (f+1)·PB) and frames
// [t·Patch, (t+1)·Patch), offset by the embedding component index. The value
// depends only on patch content, never on chunk position, which makes
// boundary tests exact.
type Backbone struct {
	// Unit, Patch, Bins and EmbedDim define the backbone geometry. PB is the
	// frequency patch height; Bins must be a multiple of PB.
	Unit, Patch, Bins, PB, EmbedDim int

	// Fail, when non-nil, is consulted before encoding each chunk; a non-nil
	// return is surfaced as the encode error.
	Fail func(chunk feature.Spectrogram) error

	// Calls records the frame count of every chunk received, in arrival
	// order. Guarded so concurrent encoders can share one instance.
	Calls []int

	mu sync.Mutex
}

func (b *Backbone) UnitFrames() int  { return b.Unit }
func (b *Backbone) PatchFrames() int { return b.Patch }
func (b *Backbone) MelBins() int     { return b.Bins }
func (b *Backbone) FreqPatches() int { return b.Bins / b.PB }
func (b *Backbone) Dim() int         { return b.EmbedDim }

func (b *Backbone) Encode(_ context.Context, chunk feature.Spectrogram) (encode.Grid, error) {
	if b.Fail != nil {
		if err := b.Fail(chunk); err != nil {
			return encode.Grid{}, err
		}
	}
	b.mu.Lock()
	b.Calls = append(b.Calls, chunk.Frames)
	b.mu.Unlock()

	fP := b.FreqPatches()
	tP := chunk.Frames / b.Patch
	g := encode.Grid{
		FPatches: fP,
		TPatches: tP,
		Dim:      b.EmbedDim,
		Data:     make([]float32, fP*tP*b.EmbedDim),
	}
	for f := 0; f < fP; f++ {
		for t := 0; t < tP; t++ {
			var sum float64
			for bin := f * b.PB; bin < (f+1)*b.PB; bin++ {
				for fr := t * b.Patch; fr < (t+1)*b.Patch; fr++ {
					sum += float64(chunk.Frame(fr)[bin])
				}
			}
			mean := float32(sum / float64(b.PB*b.Patch))
			tok := g.Token(f, t)
			for d := range tok {
				tok[d] = mean + float32(d)
			}
		}
	}
	return g, nil
}
