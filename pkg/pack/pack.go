// Package pack converts a list of variable-length items into one rectangular
// array usable by batched inference, while preserving exact per-item
// reconstruction metadata.
//
// Two layouts are supported. With itemization enabled, each item is split
// into fixed-length sub-items (rows) of UnitLen samples, the final sub-item
// padded per policy; this keeps every row the same shape regardless of item
// length. With itemization disabled, each item becomes one row padded to the
// batch's own maximum length, not a global maximum, which keeps wasted
// capacity low.
package pack

import (
	"github.com/audiolith/featforge/pkg/feature"
)

// Options configures a packing operation.
type Options struct {
	// Itemize splits each item into ceil(len/UnitLen) fixed-length sub-items.
	Itemize bool

	// UnitLen is the sub-item length in samples. Required when Itemize is
	// set; ignored otherwise.
	UnitLen int

	// Padding fills row tails past the true content. Defaults to Zero.
	Padding Policy
}

// Batch is the dense result of packing one group of items. Rows are ordered
// by parent item first, then by time offset within the parent, so iterating
// rows visits every parent's sub-items contiguously and in time order.
type Batch struct {
	// RowLen is the common row length. All rows are exactly this long.
	// Without itemization this is the batch's maximum item length.
	RowLen int

	// Data holds the rows back to back, len NumRows()*RowLen.
	Data []float32

	// Lengths holds the true (unpadded) content length of each row.
	Lengths []int

	// Parents maps each row to the index of its parent item within the
	// packed group (not the dataset).
	Parents []int

	// Offsets holds each row's start position on its parent's time axis,
	// in samples.
	Offsets []int

	// Labels holds one label per parent item, regardless of how many rows
	// the parent expanded into.
	Labels []string
}

// NumRows returns the number of packed rows.
func (b *Batch) NumRows() int { return len(b.Lengths) }

// Row returns row i. The returned slice aliases Data.
func (b *Batch) Row(i int) []float32 {
	return b.Data[i*b.RowLen : (i+1)*b.RowLen]
}

// ParentRows returns the row indices belonging to parent p, in time order.
func (b *Batch) ParentRows(p int) []int {
	var rows []int
	for i, parent := range b.Parents {
		if parent == p {
			rows = append(rows, i)
		}
	}
	return rows
}

// Pack builds a Batch from items. Row order is deterministic. No sample is
// lost or duplicated: concatenating each parent's rows truncated to their
// true lengths reproduces the original sequences exactly.
//
// Returns a ShapeError if any item has an empty sample sequence, and a
// configuration error if Itemize is set with UnitLen ≤ 0 or items is empty.
func Pack(items []feature.Item, opts Options) (*Batch, error) {
	if len(items) == 0 {
		return nil, feature.ConfigErrorf("cannot pack an empty item group")
	}
	if opts.Itemize && opts.UnitLen <= 0 {
		return nil, feature.ConfigErrorf("unit length must be > 0 when itemizing, got %d", opts.UnitLen)
	}
	pad := opts.Padding
	if pad == nil {
		pad = Zero
	}

	for _, it := range items {
		if len(it.Samples) == 0 {
			return nil, &feature.ShapeError{ItemID: it.ID, Reason: "empty sample sequence"}
		}
	}

	if opts.Itemize {
		return packItemized(items, opts.UnitLen, pad), nil
	}
	return packPadded(items, pad), nil
}

// packItemized splits every item into UnitLen-sized rows.
func packItemized(items []feature.Item, unitLen int, pad Policy) *Batch {
	totalRows := 0
	for _, it := range items {
		totalRows += (len(it.Samples) + unitLen - 1) / unitLen
	}

	b := &Batch{
		RowLen:  unitLen,
		Data:    make([]float32, totalRows*unitLen),
		Lengths: make([]int, 0, totalRows),
		Parents: make([]int, 0, totalRows),
		Offsets: make([]int, 0, totalRows),
		Labels:  make([]string, len(items)),
	}

	row := 0
	for p, it := range items {
		b.Labels[p] = it.Label
		for off := 0; off < len(it.Samples); off += unitLen {
			content := it.Samples[off:min(off+unitLen, len(it.Samples))]
			dst := b.Data[row*unitLen : (row+1)*unitLen]
			copy(dst, content)
			if len(content) < unitLen {
				pad.Fill(dst, content)
			}
			b.Lengths = append(b.Lengths, len(content))
			b.Parents = append(b.Parents, p)
			b.Offsets = append(b.Offsets, off)
			row++
		}
	}
	return b
}

// packPadded pads every item to the batch's own maximum length.
func packPadded(items []feature.Item, pad Policy) *Batch {
	maxLen := 0
	for _, it := range items {
		if len(it.Samples) > maxLen {
			maxLen = len(it.Samples)
		}
	}

	b := &Batch{
		RowLen:  maxLen,
		Data:    make([]float32, len(items)*maxLen),
		Lengths: make([]int, len(items)),
		Parents: make([]int, len(items)),
		Offsets: make([]int, len(items)),
		Labels:  make([]string, len(items)),
	}

	for p, it := range items {
		dst := b.Data[p*maxLen : (p+1)*maxLen]
		copy(dst, it.Samples)
		if len(it.Samples) < maxLen {
			pad.Fill(dst, it.Samples)
		}
		b.Lengths[p] = len(it.Samples)
		b.Parents[p] = p
		b.Labels[p] = it.Label
	}
	return b
}
