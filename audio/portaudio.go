package audio

import (
	"github.com/gordonklaus/portaudio"
)

// Initialize initializes the PortAudio host. Call once per process before
// opening capture or playback streams.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate releases the PortAudio host.
func Terminate() error {
	return portaudio.Terminate()
}

// OpenDefault opens the default input device as a mono float32 stream.
func OpenDefault(sampleRate float64, buf []float32) (InputStream, error) {
	stream, err := portaudio.OpenDefaultStream(1, 0, sampleRate, len(buf), buf)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func isOverflow(err error) bool {
	return err == portaudio.InputOverflowed
}
