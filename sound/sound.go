package sound

// Output is the audio output element fed by the decode buffer.
type Output interface {
	// Write queues interleaved PCM16 samples for playback, blocking while
	// the device buffer is full.
	Write(samples []int16) error

	// Close flushes buffered samples and releases the device.
	Close() error
}

// OpenFunc opens an Output at the given format.
type OpenFunc func(sampleRate, channels int) (Output, error)
