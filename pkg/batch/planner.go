// Package batch partitions dataset indices into batches under a workload
// budget instead of a fixed item count.
//
// Naive fixed-count batching of widely varying sequence lengths wastes memory
// and time on padding: a batch's cost is proportional to count × longest item
// in the batch. The planner instead grows each batch until that product would
// exceed batchSize × referenceLength, so short items travel in large batches
// and a single very long item travels alone.
package batch

import (
	"iter"
	"math/rand"
	"sort"

	"github.com/audiolith/featforge/pkg/feature"
)

// Policy selects the order in which items are considered for batching.
type Policy string

const (
	// PolicyOrdered keeps the original dataset order. Deterministic; this is
	// the default.
	PolicyOrdered Policy = "ordered"

	// PolicyLengthSorted considers items from shortest to longest, which
	// minimizes padding waste inside each batch. Ties are broken by original
	// dataset order for reproducibility.
	PolicyLengthSorted Policy = "length-sorted"
)

// IsValid reports whether p is a recognised policy.
func (p Policy) IsValid() bool {
	return p == PolicyOrdered || p == PolicyLengthSorted
}

// Option is a functional option for configuring a Planner.
type Option func(*Planner)

// WithPolicy sets the item ordering policy. Default is PolicyOrdered.
func WithPolicy(p Policy) Option {
	return func(pl *Planner) { pl.policy = p }
}

// WithShuffle enables a seeded pseudo-random permutation of the item order
// before batching. The same seed always yields the same plan. Mutually
// exclusive with PolicyLengthSorted.
func WithShuffle(seed int64) Option {
	return func(pl *Planner) {
		pl.shuffle = true
		pl.seed = seed
	}
}

// Planner groups item indices into an ordered, exhaustive, non-overlapping
// sequence of batches whose memory cost stays near a configured budget.
type Planner struct {
	batchSize int
	refLen    int
	policy    Policy
	shuffle   bool
	seed      int64
}

// New creates a Planner. batchSize is the nominal item count for a batch of
// referenceLength-long items; referenceLength is typically the dataset's
// median length or a configured baseline. Both must be positive.
func New(batchSize, referenceLength int, opts ...Option) (*Planner, error) {
	if batchSize <= 0 {
		return nil, feature.ConfigErrorf("batch size must be > 0, got %d", batchSize)
	}
	if referenceLength <= 0 {
		return nil, feature.ConfigErrorf("reference length must be > 0, got %d", referenceLength)
	}
	p := &Planner{
		batchSize: batchSize,
		refLen:    referenceLength,
		policy:    PolicyOrdered,
	}
	for _, o := range opts {
		o(p)
	}
	if !p.policy.IsValid() {
		return nil, feature.ConfigErrorf("unknown batch policy %q", p.policy)
	}
	if p.shuffle && p.policy == PolicyLengthSorted {
		return nil, feature.ConfigErrorf("shuffle and length-sorted policy are mutually exclusive")
	}
	return p, nil
}

// Budget returns the planner's workload budget: batchSize × referenceLength.
// Every emitted batch satisfies count × maxLength ≤ Budget, except a
// singleton batch holding one item longer than the whole budget.
func (p *Planner) Budget() int { return p.batchSize * p.refLen }

// Plan returns a lazy sequence of index groups over the given per-item
// lengths. Every index in [0, len(lengths)) appears in exactly one group.
// The plan is deterministic for a given planner configuration.
func (p *Planner) Plan(lengths []int) (iter.Seq[[]int], error) {
	if len(lengths) == 0 {
		return nil, feature.ConfigErrorf("dataset is empty")
	}

	order := p.order(lengths)
	budget := p.Budget()

	return func(yield func([]int) bool) {
		start := 0
		for start < len(order) {
			first := order[start]
			group := []int{first}
			maxLen := clampLen(lengths[first])

			next := start + 1
			for next < len(order) {
				idx := order[next]
				newMax := maxLen
				if l := clampLen(lengths[idx]); l > newMax {
					newMax = l
				}
				if (len(group)+1)*newMax > budget {
					break
				}
				group = append(group, idx)
				maxLen = newMax
				next++
			}

			if !yield(group) {
				return
			}
			start = next
		}
	}, nil
}

// order computes the index visitation order per the planner's policy.
func (p *Planner) order(lengths []int) []int {
	order := make([]int, len(lengths))
	for i := range order {
		order[i] = i
	}
	switch {
	case p.shuffle:
		rng := rand.New(rand.NewSource(p.seed))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	case p.policy == PolicyLengthSorted:
		// Stable sort keeps original order among equal lengths.
		sort.SliceStable(order, func(a, b int) bool {
			return lengths[order[a]] < lengths[order[b]]
		})
	}
	return order
}

// clampLen treats degenerate zero-length items as length 1 so they cannot
// inflate a batch's item count without bound.
func clampLen(l int) int {
	if l < 1 {
		return 1
	}
	return l
}
