// Package dataset provides Dataset collaborators for the extraction
// pipeline: a directory of WAV files and an in-memory dataset for tests and
// synthetic workloads.
package dataset

import (
	"context"
	"fmt"

	"github.com/audiolith/featforge/pkg/feature"
)

// Compile-time assertion that Memory implements feature.Dataset.
var _ feature.Dataset = (*Memory)(nil)

// Memory is a Dataset held entirely in memory.
type Memory struct {
	items []feature.Item

	// FailOn, when non-empty, makes Item return an error for the listed
	// item IDs. Used to exercise per-item fault isolation.
	FailOn map[string]error
}

// NewMemory wraps items as a Dataset. The slice is used as-is; callers must
// not mutate it afterwards.
func NewMemory(items []feature.Item) *Memory {
	return &Memory{items: items}
}

func (m *Memory) Len() int         { return len(m.items) }
func (m *Memory) ID(i int) string  { return m.items[i].ID }
func (m *Memory) Length(i int) int { return len(m.items[i].Samples) }

func (m *Memory) Item(_ context.Context, i int) (feature.Item, error) {
	it := m.items[i]
	if err, ok := m.FailOn[it.ID]; ok {
		return feature.Item{}, fmt.Errorf("load item %q: %w", it.ID, err)
	}
	return it, nil
}
