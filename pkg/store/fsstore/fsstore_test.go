package fsstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/audiolith/featforge/pkg/feature"
	"github.com/audiolith/featforge/pkg/store"
	"github.com/audiolith/featforge/pkg/store/fsstore"
)

func newRecord(id string) *feature.Record {
	return &feature.Record{
		ItemID:  id,
		Feature: "m2d-flat",
		Rows:    2,
		Dim:     3,
		StepMs:  160,
		Data:    []float32{1, 2, 3, 4, 5, 6},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	key := store.Key{ItemID: "clip-1", Feature: "m2d-flat"}
	if ok, err := s.Exists(ctx, key); err != nil || ok {
		t.Fatalf("Exists() before write = %v, %v; want false, nil", ok, err)
	}
	if _, err := s.Read(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Read() before write error = %v, want ErrNotFound", err)
	}

	if err := s.Write(ctx, newRecord("clip-1")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ok, err := s.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("Exists() after write = %v, %v; want true, nil", ok, err)
	}
	got, err := s.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.ItemID != "clip-1" || got.Rows != 2 || got.Dim != 3 || got.Data[5] != 6 {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestStoreOverwriteReplaces(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Write(ctx, newRecord("x")); err != nil {
		t.Fatal(err)
	}
	updated := newRecord("x")
	updated.Data = []float32{9, 9, 9, 9, 9, 9}
	if err := s.Write(ctx, updated); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read(ctx, store.Key{ItemID: "x", Feature: "m2d-flat"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Data[0] != 9 {
		t.Errorf("Data[0] = %v after overwrite, want 9", got.Data[0])
	}
}

// IDs with path separators and unicode must map to distinct cache entries
// without escaping the cache root.
func TestStoreHostileItemIDs(t *testing.T) {
	ctx := context.Background()
	s, err := fsstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ids := []string{"a/b/c.wav", "a_b_c.wav", "../../etc/passwd", "日本語クリップ"}
	for _, id := range ids {
		if err := s.Write(ctx, newRecord(id)); err != nil {
			t.Fatalf("Write(%q) error = %v", id, err)
		}
	}
	for _, id := range ids {
		got, err := s.Read(ctx, store.Key{ItemID: id, Feature: "m2d-flat"})
		if err != nil {
			t.Fatalf("Read(%q) error = %v", id, err)
		}
		if got.ItemID != id {
			t.Errorf("Read(%q) returned record for %q", id, got.ItemID)
		}
	}
}

func TestOpenRejectsEmptyRoot(t *testing.T) {
	if _, err := fsstore.Open("  "); !errors.Is(err, feature.ErrConfig) {
		t.Errorf("Open(blank) error = %v, want ErrConfig", err)
	}
}
