package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/audiolith/featforge/pkg/feature"
)

// codecVersion is bumped whenever the serialized layout changes.
const codecVersion = 1

// recordHeader is the msgpack-framed metadata written ahead of the raw
// float payload. Keeping the payload out of msgpack avoids per-element
// encoding overhead on records with millions of values.
type recordHeader struct {
	Version int     `msgpack:"v"`
	ItemID  string  `msgpack:"id"`
	Feature string  `msgpack:"feat"`
	Rows    int     `msgpack:"rows"`
	Dim     int     `msgpack:"dim"`
	StepMs  float64 `msgpack:"step"`
}

// EncodeRecord serializes a record as a msgpack header followed by the
// row-major float32 payload in little-endian order.
func EncodeRecord(rec *feature.Record) ([]byte, error) {
	hdr, err := msgpack.Marshal(recordHeader{
		Version: codecVersion,
		ItemID:  rec.ItemID,
		Feature: rec.Feature,
		Rows:    rec.Rows,
		Dim:     rec.Dim,
		StepMs:  rec.StepMs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode record header: %w", err)
	}

	out := make([]byte, 0, 4+len(hdr)+4*len(rec.Data))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	for _, v := range rec.Data {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out, nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(raw []byte) (*feature.Record, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("record truncated: %d bytes", len(raw))
	}
	hdrLen := int(binary.LittleEndian.Uint32(raw[:4]))
	if len(raw) < 4+hdrLen {
		return nil, fmt.Errorf("record header truncated: want %d bytes, have %d", hdrLen, len(raw)-4)
	}

	var hdr recordHeader
	if err := msgpack.Unmarshal(raw[4:4+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("decode record header: %w", err)
	}
	if hdr.Version != codecVersion {
		return nil, fmt.Errorf("unsupported record version %d", hdr.Version)
	}

	payload := raw[4+hdrLen:]
	want := hdr.Rows * hdr.Dim
	if len(payload) != 4*want {
		return nil, fmt.Errorf("record payload for %q: want %d floats, have %d bytes",
			hdr.ItemID, want, len(payload))
	}

	data := make([]float32, want)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4 : i*4+4]))
	}
	return &feature.Record{
		ItemID:  hdr.ItemID,
		Feature: hdr.Feature,
		Rows:    hdr.Rows,
		Dim:     hdr.Dim,
		StepMs:  hdr.StepMs,
		Data:    data,
	}, nil
}
