package store_test

import (
	"strings"
	"testing"

	"github.com/audiolith/featforge/pkg/feature"
	"github.com/audiolith/featforge/pkg/store"
)

func sampleRecord() *feature.Record {
	return &feature.Record{
		ItemID:  "clip/007.wav",
		Feature: "m2d-flat",
		Rows:    3,
		Dim:     2,
		StepMs:  160,
		Data:    []float32{1, -2, 0.5, 3.25, -0.125, 9},
	}
}

func TestRecordCodecRoundTrip(t *testing.T) {
	rec := sampleRecord()
	raw, err := store.EncodeRecord(rec)
	if err != nil {
		t.Fatalf("EncodeRecord() error = %v", err)
	}
	got, err := store.DecodeRecord(raw)
	if err != nil {
		t.Fatalf("DecodeRecord() error = %v", err)
	}
	if got.ItemID != rec.ItemID || got.Feature != rec.Feature ||
		got.Rows != rec.Rows || got.Dim != rec.Dim || got.StepMs != rec.StepMs {
		t.Errorf("metadata mismatch: got %+v", got)
	}
	if len(got.Data) != len(rec.Data) {
		t.Fatalf("got %d values, want %d", len(got.Data), len(rec.Data))
	}
	for i := range rec.Data {
		if got.Data[i] != rec.Data[i] {
			t.Errorf("Data[%d] = %v, want %v", i, got.Data[i], rec.Data[i])
		}
	}
}

func TestDecodeRecordRejectsCorruptInput(t *testing.T) {
	raw, err := store.EncodeRecord(sampleRecord())
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		raw  []byte
		want string
	}{
		{"empty", nil, "truncated"},
		{"header cut short", raw[:6], "truncated"},
		{"payload cut short", raw[:len(raw)-4], "payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.DecodeRecord(tc.raw)
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}
