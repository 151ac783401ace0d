// Package fsstore caches feature records as files on local disk, one file
// per item under a directory per feature name. It needs no external service
// and is the default cache backend.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolith/featforge/pkg/feature"
	"github.com/audiolith/featforge/pkg/store"
)

// Compile-time assertion that Store implements the cache contract.
var _ store.Store = (*Store)(nil)

// Store is a filesystem-backed record cache rooted at a single directory.
type Store struct {
	root string
}

// Open creates the root directory if needed and returns a store over it.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, feature.ConfigErrorf("cache root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Exists(ctx context.Context, key store.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *Store) Read(ctx context.Context, key store.Key) (*feature.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cached record: %w", err)
	}
	return store.DecodeRecord(raw)
}

// Write persists the record with a temp file in the destination directory
// followed by a rename, so readers never observe a partial record.
func (s *Store) Write(ctx context.Context, rec *feature.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := store.EncodeRecord(rec)
	if err != nil {
		return err
	}

	dest := s.path(store.Key{ItemID: rec.ItemID, Feature: rec.Feature})
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create feature dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// path maps a key to root/<feature>/<name>.ftr. Item IDs can contain path
// separators or other characters unfit for file names, so the name is the
// sanitized ID plus an FNV hash of the original to keep distinct IDs
// distinct after sanitizing.
func (s *Store) path(key store.Key) string {
	h := fnv.New32a()
	h.Write([]byte(key.ItemID))
	name := fmt.Sprintf("%s-%08x.ftr", sanitize(key.ItemID), h.Sum32())
	return filepath.Join(s.root, sanitize(key.Feature), name)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "item"
	}
	// Bound file name length; the hash suffix keeps the mapping unique.
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}
