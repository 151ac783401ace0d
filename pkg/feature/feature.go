// Package feature defines the core data model shared by the extraction
// pipeline: dataset items, spectrogram representations, persisted feature
// records, and the error taxonomy that separates fatal misconfiguration from
// recoverable per-item failures.
package feature

import "context"

// Item is one immutable dataset entry: an identifier, a raw 1-D sample
// sequence, and its label. Items are created when a dataset is loaded and are
// never mutated during extraction.
type Item struct {
	// ID uniquely identifies the item within its dataset, typically derived
	// from the source file path. It doubles as the cache key component.
	ID string

	// Label is the item's ground-truth annotation. The pipeline carries it
	// through packing untouched; it is never interpreted.
	Label string

	// Samples is the raw mono sample sequence.
	Samples []float32
}

// Len returns the item's true sample count.
func (it Item) Len() int { return len(it.Samples) }

// Dataset is the collaborator that exposes ordered item access. Length and ID
// lookups must be cheap; they are called for every item during planning and
// cache probing, before any raw data is materialized. Item may be expensive
// (disk read, decode) and is only called for items that miss the cache.
type Dataset interface {
	// Len returns the number of items.
	Len() int

	// ID returns the identifier of item i without loading its data.
	ID(i int) string

	// Length returns the sample count of item i without loading its data.
	Length(i int) int

	// Item loads item i, including its raw samples.
	Item(ctx context.Context, i int) (Item, error)
}

// Spectrogram is a dense 2-D time×feature representation of one item. Data is
// frame-major: frame t occupies Data[t*Bins : (t+1)*Bins], so slicing along
// the time axis is contiguous.
type Spectrogram struct {
	Bins   int
	Frames int
	Data   []float32
}

// Frame returns the bin vector of frame t. The returned slice aliases Data.
func (s Spectrogram) Frame(t int) []float32 {
	return s.Data[t*s.Bins : (t+1)*s.Bins]
}

// Slice returns the sub-spectrogram covering frames [from, to). The returned
// value shares Data with s.
func (s Spectrogram) Slice(from, to int) Spectrogram {
	return Spectrogram{
		Bins:   s.Bins,
		Frames: to - from,
		Data:   s.Data[from*s.Bins : to*s.Bins],
	}
}
