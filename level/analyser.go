package level

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"
)

// Default analyser parameters, matching a browser AnalyserNode.
const (
	DefaultFFTSize     = 1024
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

// Analyser keeps the most recent FFTSize samples of a mono stream and turns
// them into byte frequency magnitudes on demand.
//
// Write is called by the decoding goroutine and ByteFrequencyData by the
// session loop, so all methods are safe for concurrent use.
type Analyser struct {
	size        int
	minDecibels float64
	maxDecibels float64
	smoothing   float64

	mu       sync.Mutex
	ring     []float64
	pos      int
	window   []float64
	work     []complex128
	smoothed []float64
}

// AnalyserOption configures an [Analyser].
type AnalyserOption func(*Analyser)

// WithDecibelRange sets the dB range mapped onto 0..255.
func WithDecibelRange(minDB, maxDB float64) AnalyserOption {
	return func(a *Analyser) {
		a.minDecibels = minDB
		a.maxDecibels = maxDB
	}
}

// WithSmoothing sets the time constant blending each snapshot with the
// previous one. 0 disables smoothing.
func WithSmoothing(tau float64) AnalyserOption {
	return func(a *Analyser) {
		a.smoothing = tau
	}
}

// NewAnalyser returns an Analyser over a window of fftSize samples. fftSize
// must be a power of two between 32 and 32768.
func NewAnalyser(fftSize int, opts ...AnalyserOption) (*Analyser, error) {
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("level: fft size %d must be a power of two in [32, 32768]", fftSize)
	}
	a := &Analyser{
		size:        fftSize,
		minDecibels: DefaultMinDecibels,
		maxDecibels: DefaultMaxDecibels,
		ring:        make([]float64, fftSize),
		window:      blackman(fftSize),
		work:        make([]complex128, fftSize),
		smoothed:    make([]float64, fftSize/2),
	}
	for _, o := range opts {
		o(a)
	}
	if a.maxDecibels <= a.minDecibels {
		return nil, fmt.Errorf("level: max decibels %.1f must exceed min decibels %.1f", a.maxDecibels, a.minDecibels)
	}
	if a.smoothing < 0 || a.smoothing >= 1 {
		return nil, fmt.Errorf("level: smoothing %.2f out of range [0, 1)", a.smoothing)
	}
	return a, nil
}

// FrequencyBinCount returns the number of bins produced per snapshot.
func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Write appends mono PCM16 samples to the analysis window.
func (a *Analyser) Write(mono []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range mono {
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

// Reset clears the analysis window, e.g. when playback stops.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// ByteFrequencyData computes the current spectrum and stores it in dst,
// reusing its capacity. The result always has FrequencyBinCount entries.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.size {
		s := a.ring[(a.pos+i)%a.size]
		a.work[i] = complex(s*a.window[i], 0)
	}
	fft(a.work)

	bins := a.size / 2
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	scale := math.MaxUint8 / (a.maxDecibels - a.minDecibels)
	for k := range bins {
		mag := cmplx.Abs(a.work[k]) / float64(a.size)
		mag = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		a.smoothed[k] = mag

		db := 20 * math.Log10(mag)
		v := math.Floor(scale * (db - a.minDecibels))
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > math.MaxUint8:
			dst[k] = math.MaxUint8
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	w := make([]float64, n)
	for i := range n {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform. len(x) must
// be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := range size / 2 {
				u := x[start+k]
				v := x[start+k+size/2] * w
				x[start+k] = u + v
				x[start+k+size/2] = u - v
				w *= step
			}
		}
	}
}
