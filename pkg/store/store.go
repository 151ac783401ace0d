// Package store defines the feature cache contract shared by the filesystem,
// Badger and Postgres backends.
package store

import (
	"context"
	"errors"

	"github.com/audiolith/featforge/pkg/feature"
)

// ErrNotFound is returned by Read when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Key identifies one cached record: one item under one feature name.
type Key struct {
	ItemID  string
	Feature string
}

// Store is a feature record cache. Implementations must make Write atomic
// with respect to Read and Exists: a concurrent reader sees either the
// complete previous record or the complete new one, never a partial write.
type Store interface {
	// Exists reports whether a record is cached for the key without
	// decoding it.
	Exists(ctx context.Context, key Key) (bool, error)

	// Read loads the record for the key, or ErrNotFound.
	Read(ctx context.Context, key Key) (*feature.Record, error)

	// Write persists the record under its ItemID and Feature, replacing
	// any previous record for the same key.
	Write(ctx context.Context, rec *feature.Record) error

	// Close releases backend resources. The store must not be used after.
	Close() error
}
