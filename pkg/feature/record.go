package feature

// Record is the persisted per-item feature output: a (Rows × Dim) float32
// matrix whose leading dimension reflects only the item's true duration.
// Padding introduced during packing or chunked encoding never appears here.
//
// A cache entry for a Record is either fully present or absent; stores must
// never expose a partially written record.
type Record struct {
	// ItemID identifies the source item.
	ItemID string

	// Feature names the extraction configuration that produced this record.
	// Records are keyed by (Feature, ItemID); changing the feature name
	// invalidates nothing but addresses a fresh cache namespace.
	Feature string

	// Rows and Dim describe the matrix shape.
	Rows int
	Dim  int

	// Data holds the matrix in row-major order, len Rows*Dim.
	Data []float32

	// StepMs is the duration represented by one row, in milliseconds. It is
	// constant for a given front-end and patch size, so timestamps can be
	// reconstructed for any item regardless of length.
	StepMs float64
}

// Row returns row i of the matrix. The returned slice aliases Data.
func (r *Record) Row(i int) []float32 {
	return r.Data[i*r.Dim : (i+1)*r.Dim]
}

// Append appends rows from another block of row-major data with the same Dim.
func (r *Record) Append(rows int, data []float32) {
	r.Data = append(r.Data, data[:rows*r.Dim]...)
	r.Rows += rows
}

// Pooled returns the time-mean of all rows, or a zero vector when the record
// is empty. Useful for similarity indexing of whole items.
func (r *Record) Pooled() []float32 {
	out := make([]float32, r.Dim)
	if r.Rows == 0 {
		return out
	}
	sums := make([]float64, r.Dim)
	for i := 0; i < r.Rows; i++ {
		row := r.Row(i)
		for d, v := range row {
			sums[d] += float64(v)
		}
	}
	for d := range out {
		out[d] = float32(sums[d] / float64(r.Rows))
	}
	return out
}
