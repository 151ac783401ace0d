// Package spectral implements the waveform→log-mel front end that produces
// the normalized 2-D representation consumed by spectrogram backbones.
//
// The transform mirrors the standard mel pipeline used to train the 16 kHz
// and 32 kHz audio masked-modeling checkpoints: centred STFT with a Hann
// window, power spectrum, triangular HTK mel filterbank, natural log with a
// float32-epsilon floor, then per-model mean/std normalization.
package spectral

import (
	"math"

	"github.com/audiolith/featforge/pkg/encode"
	"github.com/audiolith/featforge/pkg/feature"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Compile-time assertion that LogMel satisfies the encoder front-end contract.
var _ encode.FrontEnd = (*LogMel)(nil)

// logEps matches the float32 machine epsilon added before taking the log,
// keeping silence finite.
const logEps = 1.1920929e-7

// Profile describes one front-end configuration together with the
// normalization statistics of the model it feeds.
type Profile struct {
	SampleRate int
	NFFT       int
	WinLength  int
	HopLength  int
	Mels       int
	FMin       float64
	FMax       float64

	// Mean and Std normalize the log-mel values for the target backbone.
	Mean float64
	Std  float64
}

// Profile16k is the 16 kHz front end: 400-point FFT and window, 160-sample
// hop, 80 mel bins between 50 Hz and 8 kHz.
func Profile16k() Profile {
	return Profile{
		SampleRate: 16000, NFFT: 400, WinLength: 400, HopLength: 160,
		Mels: 80, FMin: 50, FMax: 8000,
		Mean: -7.1, Std: 4.2,
	}
}

// Profile32k is the 32 kHz variant with proportionally scaled FFT and hop.
func Profile32k() Profile {
	return Profile{
		SampleRate: 32000, NFFT: 800, WinLength: 800, HopLength: 320,
		Mels: 80, FMin: 50, FMax: 16000,
		Mean: -7.1, Std: 4.2,
	}
}

// ProfileByRate resolves a sample rate to its front-end profile.
func ProfileByRate(rate int) (Profile, error) {
	switch rate {
	case 16000:
		return Profile16k(), nil
	case 32000:
		return Profile32k(), nil
	}
	return Profile{}, feature.ConfigErrorf("no front-end profile for sample rate %d", rate)
}

// LogMel computes normalized log-mel spectrograms for one Profile. It
// precomputes the FFT plan, Hann window and mel filterbank once; Transform
// is then allocation-light and safe for concurrent use.
type LogMel struct {
	p       Profile
	fft     *fourier.FFT
	window  []float64
	filters [][]melWeight // per mel bin: sparse triangle weights
}

// melWeight is one non-zero filterbank coefficient.
type melWeight struct {
	bin int
	w   float64
}

// NewLogMel builds the front end for p. Fails with a configuration error if
// the profile is internally inconsistent.
func NewLogMel(p Profile) (*LogMel, error) {
	if p.SampleRate <= 0 || p.NFFT <= 0 || p.HopLength <= 0 || p.Mels <= 0 {
		return nil, feature.ConfigErrorf("invalid front-end profile %+v", p)
	}
	if p.WinLength > p.NFFT {
		return nil, feature.ConfigErrorf("window length %d exceeds FFT size %d", p.WinLength, p.NFFT)
	}
	if p.Std == 0 {
		return nil, feature.ConfigErrorf("front-end std must be non-zero")
	}

	m := &LogMel{
		p:      p,
		fft:    fourier.NewFFT(p.NFFT),
		window: hann(p.WinLength),
	}
	m.filters = melFilterbank(p)
	return m, nil
}

// Bins returns the number of mel bins per frame.
func (m *LogMel) Bins() int { return m.p.Mels }

// HopSeconds returns the time advance between consecutive frames.
func (m *LogMel) HopSeconds() float64 {
	return float64(m.p.HopLength) / float64(m.p.SampleRate)
}

// NumFrames returns the frame count for n samples under centred framing.
func (m *LogMel) NumFrames(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 + n/m.p.HopLength
}

// Transform computes the normalized log-mel spectrogram of samples. The
// output is frame-major with Bins() values per frame.
func (m *LogMel) Transform(samples []float32) feature.Spectrogram {
	frames := m.NumFrames(len(samples))
	out := feature.Spectrogram{Bins: m.p.Mels, Frames: frames}
	if frames == 0 {
		return out
	}
	out.Data = make([]float32, frames*m.p.Mels)

	// Centred framing: reflect-pad NFFT/2 samples on both sides so frame t
	// is centred on sample t*hop.
	padded := reflectPad(samples, m.p.NFFT/2)

	seq := make([]float64, m.p.NFFT)
	spec := make([]complex128, m.p.NFFT/2+1)
	for t := 0; t < frames; t++ {
		start := t * m.p.HopLength
		for i := 0; i < m.p.WinLength; i++ {
			seq[i] = padded[start+i] * m.window[i]
		}
		for i := m.p.WinLength; i < m.p.NFFT; i++ {
			seq[i] = 0
		}
		m.fft.Coefficients(spec, seq)

		frame := out.Data[t*m.p.Mels : (t+1)*m.p.Mels]
		for mel, weights := range m.filters {
			var energy float64
			for _, mw := range weights {
				c := spec[mw.bin]
				energy += mw.w * (real(c)*real(c) + imag(c)*imag(c))
			}
			v := math.Log(energy + logEps)
			frame[mel] = float32((v - m.p.Mean) / m.p.Std)
		}
	}
	return out
}

// hann returns a periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// reflectPad pads samples with pad mirrored values on each side, converting
// to float64. Short inputs fall back to edge replication where the mirror
// would run out of content.
func reflectPad(samples []float32, pad int) []float64 {
	n := len(samples)
	out := make([]float64, n+2*pad)
	for i := range out {
		src := i - pad
		switch {
		case src < 0:
			src = -src
		case src >= n:
			src = 2*(n-1) - src
		}
		if src < 0 {
			src = 0
		} else if src >= n {
			src = n - 1
		}
		out[i] = float64(samples[src])
	}
	return out
}

// hzToMel converts Hz to the HTK mel scale.
func hzToMel(f float64) float64 {
	return 2595 * math.Log10(1+f/700)
}

// melToHz converts HTK mels back to Hz.
func melToHz(m float64) float64 {
	return 700 * (math.Pow(10, m/2595) - 1)
}

// melFilterbank builds triangular filters spaced evenly on the mel scale,
// stored sparsely per mel bin.
func melFilterbank(p Profile) [][]melWeight {
	nBins := p.NFFT/2 + 1
	binHz := float64(p.SampleRate) / float64(p.NFFT)

	lo, hi := hzToMel(p.FMin), hzToMel(p.FMax)
	centers := make([]float64, p.Mels+2)
	for i := range centers {
		mel := lo + (hi-lo)*float64(i)/float64(p.Mels+1)
		centers[i] = melToHz(mel)
	}

	filters := make([][]melWeight, p.Mels)
	for mel := 0; mel < p.Mels; mel++ {
		left, center, right := centers[mel], centers[mel+1], centers[mel+2]
		var weights []melWeight
		for bin := 0; bin < nBins; bin++ {
			f := float64(bin) * binHz
			var w float64
			switch {
			case f <= left || f >= right:
				continue
			case f < center:
				w = (f - left) / (center - left)
			default:
				w = (right - f) / (right - center)
			}
			if w > 0 {
				weights = append(weights, melWeight{bin: bin, w: w})
			}
		}
		filters[mel] = weights
	}
	return filters
}
