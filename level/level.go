// Package level derives the normalised loudness signals used for UI
// animation: one from raw microphone samples, one from a frequency snapshot
// of decoded playback.
package level

import "math"

// Level is a loudness value in [0, 1].
type Level float64

// timeDomainGain scales mean absolute amplitude so that normal speech
// reaches the upper half of the range.
const timeDomainGain = 10

// FromTimeDomain returns the mean absolute amplitude of samples multiplied by
// a fixed gain and clamped to 1. Callers pass a non-empty analysis window; an
// empty one yields 0.
func FromTimeDomain(samples []float32) Level {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return clamp(sum / float64(len(samples)) * timeDomainGain)
}

// FromFrequencyBins returns the arithmetic mean of byte magnitudes normalised
// by 255 and clamped to 1. An empty slice yields 0.
func FromFrequencyBins(bins []byte) Level {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return clamp(float64(sum) / float64(len(bins)) / math.MaxUint8)
}

func clamp(v float64) Level {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return Level(v)
}
