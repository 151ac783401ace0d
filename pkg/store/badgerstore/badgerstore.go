// Package badgerstore caches feature records in an embedded BadgerDB
// database. It suits large datasets where millions of small files would
// strain the filesystem.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/audiolith/featforge/pkg/feature"
	"github.com/audiolith/featforge/pkg/store"
)

// Compile-time assertion that Store implements the cache contract.
var _ store.Store = (*Store)(nil)

// Store is a BadgerDB-backed record cache.
type Store struct {
	db *badger.DB
}

// Options configures the BadgerDB store.
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence. Useful for
	// testing against the real engine.
	InMemory bool

	// Logger overrides badger's own logger. If nil, badger output is
	// silenced; the extraction pipeline does its own logging.
	Logger badger.Logger
}

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, feature.ConfigErrorf("badger cache requires a directory in on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(opts.Logger)
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Exists(_ context.Context, key store.Key) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(encodeKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Read(_ context.Context, key store.Key) (*feature.Record, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return store.DecodeRecord(raw)
}

func (s *Store) Write(_ context.Context, rec *feature.Record) error {
	raw, err := store.EncodeRecord(rec)
	if err != nil {
		return err
	}
	k := encodeKey(store.Key{ItemID: rec.ItemID, Feature: rec.Feature})
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, raw)
	})
}

func (s *Store) Close() error { return s.db.Close() }

// encodeKey lays keys out as <feature>\x00<itemID> so one feature's records
// are contiguous and prefix scans cannot cross feature boundaries.
func encodeKey(key store.Key) []byte {
	out := make([]byte, 0, len(key.Feature)+1+len(key.ItemID))
	out = append(out, key.Feature...)
	out = append(out, 0)
	out = append(out, key.ItemID...)
	return out
}
