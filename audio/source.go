package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/d1nch8g/aivoice/level"
	"github.com/d1nch8g/aivoice/pcm"
)

// maxReadErrors is the number of consecutive failed reads after which the
// capture loop gives up on the device.
const maxReadErrors = 10

// Source captures fixed-size blocks from the microphone. Each block becomes
// exactly one outbound frame and one local level.
type Source struct {
	config Config
	open   OpenFunc
}

// NewSource creates a Source. A nil open uses the default PortAudio device.
func NewSource(config Config, open OpenFunc) *Source {
	def := GetDefaultConfig()
	if config.SampleRate == 0 {
		config.SampleRate = def.SampleRate
	}
	if config.BlockSize == 0 {
		config.BlockSize = def.BlockSize
	}
	if open == nil {
		open = OpenDefault
	}
	return &Source{config: config, open: open}
}

// Start acquires the microphone and begins delivering blocks. onLevel and
// onFrame are called from the capture goroutine, level first, once per
// block. On error nothing stays acquired and the returned error wraps
// [ErrCaptureUnavailable].
func (s *Source) Start(ctx context.Context, onFrame func(pcm.Frame), onLevel func(level.Level)) (*Capture, error) {
	buf := make([]float32, s.config.BlockSize)
	stream, err := s.open(s.config.SampleRate, buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open input: %w: %w", ErrCaptureUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("audio: start input: %w: %w", ErrCaptureUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Capture{
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop(ctx, buf, onFrame, onLevel)
	return c, nil
}

// Capture is a running microphone capture. Stop releases it.
type Capture struct {
	stream InputStream
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	err  error
}

// Done is closed when the capture loop has exited, either after Stop or
// because the device failed.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Stop ends the capture and releases the device. No callback runs after Stop
// returns. Safe to call multiple times.
func (c *Capture) Stop() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
		var errs []error
		if err := c.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("audio: stop input: %w", err))
		}
		if err := c.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audio: close input: %w", err))
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}

func (c *Capture) loop(ctx context.Context, buf []float32, onFrame func(pcm.Frame), onLevel func(level.Level)) {
	defer close(c.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.stream.Read()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if isOverflow(err) {
				slog.Debug("audio: input overflow, block skipped")
				continue
			}
			failures++
			slog.Warn("audio: read input", "err", err, "consecutive", failures)
			if failures >= maxReadErrors {
				slog.Error("audio: giving up on input device", "err", err)
				return
			}
			continue
		}
		failures = 0

		if onLevel != nil {
			onLevel(level.FromTimeDomain(buf))
		}
		if onFrame != nil {
			onFrame(pcm.FromFloat32(buf))
		}
	}
}
