package audio

import "errors"

// ErrCaptureUnavailable reports that the microphone could not be acquired:
// access was refused, no input device exists or the stream failed to start.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// InputStream is a blocking microphone stream. Every Read fills the buffer the
// stream was opened with.
type InputStream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// OpenFunc opens a mono InputStream at sampleRate that fills buf on each Read.
type OpenFunc func(sampleRate float64, buf []float32) (InputStream, error)

// Config describes the capture format.
type Config struct {
	SampleRate float64
	BlockSize  int
}

// GetDefaultConfig returns 16 kHz capture in blocks of 4096 samples.
func GetDefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		BlockSize:  4096,
	}
}
