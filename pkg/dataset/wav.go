package dataset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/audiolith/featforge/pkg/feature"
)

// Compile-time assertion that WAVDir implements feature.Dataset.
var _ feature.Dataset = (*WAVDir)(nil)

// wavInfo holds the header fields needed to plan an item without decoding it.
type wavInfo struct {
	path       string
	id         string
	channels   int
	sampleRate int
	// samples is the per-channel sample count after resampling to the
	// dataset's target rate.
	samples int
	// rawSamples is the per-channel sample count at the file's native rate.
	rawSamples int
}

// WAVDir is a Dataset backed by a directory of 16-bit PCM WAV files. Headers
// are parsed once at construction so IDs and lengths are available without
// touching sample data; Item decodes, downmixes to mono and resamples on
// demand.
type WAVDir struct {
	rate  int
	infos []wavInfo
}

// OpenWAVDir scans dir (non-recursively) for .wav files and reads their
// headers. rate is the sample rate items are delivered at; files recorded at
// a different rate are linearly resampled when loaded. Item IDs are file
// names without the extension.
func OpenWAVDir(dir string, rate int) (*WAVDir, error) {
	if rate <= 0 {
		return nil, feature.ConfigErrorf("sample rate must be positive, got %d", rate)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan dataset dir: %w", err)
	}

	d := &WAVDir{rate: rate}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := readWAVHeader(path)
		if err != nil {
			return nil, fmt.Errorf("read header of %s: %w", entry.Name(), err)
		}
		info.id = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		info.samples = resampledLen(info.rawSamples, info.sampleRate, rate)
		d.infos = append(d.infos, info)
	}
	sort.Slice(d.infos, func(i, j int) bool { return d.infos[i].id < d.infos[j].id })
	return d, nil
}

func (d *WAVDir) Len() int         { return len(d.infos) }
func (d *WAVDir) ID(i int) string  { return d.infos[i].id }
func (d *WAVDir) Length(i int) int { return d.infos[i].samples }

func (d *WAVDir) Item(_ context.Context, i int) (feature.Item, error) {
	info := d.infos[i]
	raw, err := readWAVData(info.path)
	if err != nil {
		return feature.Item{}, fmt.Errorf("load item %q: %w", info.id, err)
	}
	mono := downmix(raw, info.channels)
	if info.sampleRate != d.rate {
		mono = resample(mono, info.sampleRate, d.rate)
	}
	return feature.Item{ID: info.id, Samples: mono}, nil
}

// ---- WAV decoding ----

var errNotWAV = errors.New("not a RIFF/WAVE file")

// readWAVHeader parses the RIFF container far enough to learn the format and
// the data chunk size, without reading sample data.
func readWAVHeader(path string) (wavInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return wavInfo{}, err
	}
	defer f.Close()

	info := wavInfo{path: path}
	var hdr [12]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return wavInfo{}, errNotWAV
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return wavInfo{}, errNotWAV
	}

	var bitsPerSample int
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(f, chunk[:]); err != nil {
			break
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))
		switch id {
		case "fmt ":
			var fmtBuf [16]byte
			if size < 16 {
				return wavInfo{}, fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			if _, err := io.ReadFull(f, fmtBuf[:]); err != nil {
				return wavInfo{}, err
			}
			format := binary.LittleEndian.Uint16(fmtBuf[0:2])
			if format != 1 {
				return wavInfo{}, fmt.Errorf("unsupported WAV format code %d, want PCM", format)
			}
			info.channels = int(binary.LittleEndian.Uint16(fmtBuf[2:4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(fmtBuf[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(fmtBuf[14:16]))
			if _, err := f.Seek(size-16+size%2, io.SeekCurrent); err != nil {
				return wavInfo{}, err
			}
		case "data":
			if info.channels == 0 {
				return wavInfo{}, errors.New("data chunk before fmt chunk")
			}
			if bitsPerSample != 16 {
				return wavInfo{}, fmt.Errorf("unsupported bit depth %d, want 16", bitsPerSample)
			}
			info.rawSamples = int(size) / 2 / info.channels
			return info, nil
		default:
			// Skip unrelated chunks (LIST, fact, ...). Chunks are
			// word-aligned, so odd sizes carry a pad byte.
			if _, err := f.Seek(size+size%2, io.SeekCurrent); err != nil {
				return wavInfo{}, err
			}
		}
	}
	return wavInfo{}, errors.New("no data chunk found")
}

// readWAVData decodes the data chunk into interleaved float32 samples in
// [-1, 1].
func readWAVData(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hdr [12]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, errNotWAV
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, errNotWAV
	}
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(f, chunk[:]); err != nil {
			return nil, errors.New("no data chunk found")
		}
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))
		if string(chunk[0:4]) != "data" {
			if _, err := f.Seek(size+size%2, io.SeekCurrent); err != nil {
				return nil, err
			}
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(f, size))
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			s := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
			out[i] = float32(s) / 32768
		}
		return out, nil
	}
}

// downmix averages interleaved multi-channel samples to mono. Mono input is
// returned unchanged.
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	inv := 1 / float32(channels)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum * inv
	}
	return out
}

// resampledLen reports the sample count resample produces for n input
// samples, so lengths can be planned from headers alone.
func resampledLen(n, srcRate, dstRate int) int {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return n
	}
	return int(int64(n) * int64(dstRate) / int64(srcRate))
}

// resample converts mono samples from srcRate to dstRate using linear
// interpolation.
func resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dst := resampledLen(len(samples), srcRate, dstRate)
	if dst == 0 {
		return nil
	}
	out := make([]float32, dst)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
