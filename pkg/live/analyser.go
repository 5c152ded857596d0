package live

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Analyser produces frequency-domain snapshots of a live PCM stream. It
// keeps a ring of the most recent samples; Spectrum and RMS read whatever
// the window holds at that instant, so callers poll it on their own
// cadence instead of consuming events.
//
// The engine exposes two of these: one fed by captured input frames, one
// fed by segments as they play.
type Analyser struct {
	mu      sync.Mutex
	size    int
	samples []float64
	pos     int
}

// NewAnalyser creates an analyser over a window of size samples. The size
// should be a power of two for the fastest transform. Sizes below 32 fall
// back to the default of 2048.
func NewAnalyser(size int) *Analyser {
	if size < 32 {
		size = 2048
	}
	return &Analyser{
		size:    size,
		samples: make([]float64, size),
	}
}

// Push appends little-endian 16-bit PCM to the window, evicting the
// oldest samples.
func (a *Analyser) Push(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		a.samples[a.pos] = float64(sample) / 32768.0
		a.pos = (a.pos + 1) % a.size
	}
}

// Spectrum returns size/2 normalized magnitude bins over the current
// window. Bin i covers frequencies around i*sampleRate/size Hz.
func (a *Analyser) Spectrum() []float64 {
	buf := a.snapshot()

	window.Apply(buf, window.Hann)
	coeffs := fft.FFTReal(buf)

	bins := make([]float64, a.size/2)
	scale := 2.0 / float64(a.size)
	for i := range bins {
		bins[i] = cmplx.Abs(coeffs[i]) * scale
	}
	return bins
}

// RMS returns the root-mean-square energy of the current window,
// between 0.0 (silence) and 1.0 (full scale).
func (a *Analyser) RMS() float64 {
	buf := a.snapshot()

	var sum float64
	for _, s := range buf {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// Reset clears the window.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.samples {
		a.samples[i] = 0
	}
	a.pos = 0
}

// snapshot copies the ring contents in chronological order.
func (a *Analyser) snapshot() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := make([]float64, a.size)
	n := copy(buf, a.samples[a.pos:])
	copy(buf[n:], a.samples[:a.pos])
	return buf
}
