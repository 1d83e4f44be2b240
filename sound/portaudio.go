package sound

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

type PlayerConfig struct {
	SampleRate      float64
	FramesPerBuffer int
	OutputChannels  int
}

func GetDefaultConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate:      44100,
		FramesPerBuffer: 1024,
		OutputChannels:  2,
	}
}

// stream is the subset of *portaudio.Stream the player drives.
type stream interface {
	Start() error
	Write() error
	Stop() error
	Close() error
}

// PortaudioPlayer plays PCM16 through the default output device. Samples are
// collected until a full device buffer is available, so arbitrary write sizes
// play back without gaps.
type PortaudioPlayer struct {
	config      PlayerConfig
	stream      stream
	audioBuffer []int16
	filled      int

	mu     sync.Mutex
	closed bool
}

func NewPortaudioPlayer(config PlayerConfig) *PortaudioPlayer {
	def := GetDefaultConfig()
	if config.SampleRate == 0 {
		config.SampleRate = def.SampleRate
	}
	if config.FramesPerBuffer == 0 {
		config.FramesPerBuffer = def.FramesPerBuffer
	}
	if config.OutputChannels == 0 {
		config.OutputChannels = def.OutputChannels
	}
	return &PortaudioPlayer{
		config:      config,
		audioBuffer: make([]int16, config.FramesPerBuffer*config.OutputChannels),
	}
}

// Opener returns an OpenFunc that opens a started PortaudioPlayer with
// framesPerBuffer frames per device write.
func Opener(framesPerBuffer int) OpenFunc {
	return func(sampleRate, channels int) (Output, error) {
		p := NewPortaudioPlayer(PlayerConfig{
			SampleRate:      float64(sampleRate),
			FramesPerBuffer: framesPerBuffer,
			OutputChannels:  channels,
		})
		if err := p.Open(); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Open opens and starts the default output stream.
func (p *PortaudioPlayer) Open() error {
	s, err := portaudio.OpenDefaultStream(
		0,
		p.config.OutputChannels,
		p.config.SampleRate,
		p.config.FramesPerBuffer,
		p.audioBuffer,
	)
	if err != nil {
		return fmt.Errorf("sound: open output: %w", err)
	}
	return p.start(s)
}

func (p *PortaudioPlayer) start(s stream) error {
	if err := s.Start(); err != nil {
		_ = s.Close()
		return fmt.Errorf("sound: start output: %w", err)
	}
	p.stream = s
	return nil
}

func (p *PortaudioPlayer) Write(samples []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return errors.New("sound: stream not opened")
	}
	if p.closed {
		return errors.New("sound: player closed")
	}

	for len(samples) > 0 {
		n := copy(p.audioBuffer[p.filled:], samples)
		p.filled += n
		samples = samples[n:]
		if p.filled < len(p.audioBuffer) {
			break
		}
		p.filled = 0
		if err := p.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				continue
			}
			return fmt.Errorf("sound: write output: %w", err)
		}
	}
	return nil
}

// Close plays out any partial buffer padded with silence, then stops and
// closes the stream. Safe to call multiple times.
func (p *PortaudioPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stream == nil {
		p.closed = true
		return nil
	}
	p.closed = true

	var errs []error
	if p.filled > 0 {
		clear(p.audioBuffer[p.filled:])
		p.filled = 0
		if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			errs = append(errs, fmt.Errorf("sound: flush output: %w", err))
		}
	}
	if err := p.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("sound: stop output: %w", err))
	}
	if err := p.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sound: close output: %w", err))
	}
	return errors.Join(errs...)
}
