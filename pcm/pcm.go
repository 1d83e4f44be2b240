// Package pcm converts floating-point audio samples into signed 16-bit PCM
// frames, the format carried on the wire to the voice endpoint.
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesPerSample is the wire size of one PCM16 sample.
const BytesPerSample = 2

// Frame is one block of mono signed 16-bit samples. A Frame is not modified
// after creation.
type Frame []int16

// FromFloat32 scales every sample by the maximum positive int16 magnitude,
// floors it and clamps the result to the int16 range. NaN samples become 0.
func FromFloat32(samples []float32) Frame {
	out := make(Frame, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(float64(s))
	}
	return out
}

func floatToInt16(s float64) int16 {
	if math.IsNaN(s) {
		return 0
	}
	v := math.Floor(s * math.MaxInt16)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int { return len(f) }

// Duration returns the playback length of the frame at sampleRate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f)) * time.Second / time.Duration(sampleRate)
}

// AppendBytes appends the little-endian encoding of f to dst and returns the
// extended slice.
func (f Frame) AppendBytes(dst []byte) []byte {
	for _, s := range f {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Bytes returns the little-endian encoding of f in a new slice.
func (f Frame) Bytes() []byte {
	return f.AppendBytes(make([]byte, 0, len(f)*BytesPerSample))
}
