package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hajimehoshi/go-mp3"

	"github.com/d1nch8g/aivoice/level"
	"github.com/d1nch8g/aivoice/sound"
)

// go-mp3 always decodes to interleaved 16-bit stereo.
const (
	mp3Channels     = 2
	mp3BytesPerPair = 4
	mp3ReadSize     = 1152 * mp3BytesPerPair
)

var errBufferClosed = errors.New("playback: buffer closed")

// MP3Config wires an [MP3Buffer] to its output and to the session.
type MP3Config struct {
	// Output opens the output element once the stream's sample rate is
	// known. Required.
	Output sound.OpenFunc

	// Analyser receives a mono mix of the decoded audio. May be nil.
	Analyser *level.Analyser

	// OnUpdateEnd is called once per Append from the buffer's goroutine.
	OnUpdateEnd func(error)

	// OnSourceOpen is called once the decoding pipeline is running.
	OnSourceOpen func()
}

// MP3Buffer is a [DecodeBuffer] decoding a streamed MP3 through go-mp3.
//
// Appended bytes go through an io.Pipe to a decoder goroutine; an append
// completes once the decoder has consumed every byte of the chunk. When the
// decoder fails the outstanding append is rejected and a fresh decoder
// resynchronises on the following chunks.
type MP3Buffer struct {
	cfg     MP3Config
	appends chan []byte
	wg      sync.WaitGroup

	mu        sync.Mutex
	pr        *io.PipeReader
	pw        *io.PipeWriter
	ended     bool
	pipeDone  bool
	closing   bool
	closeOnce sync.Once

	out     sound.Output
	outRate int
}

// NewMP3Buffer creates the buffer and starts its pipeline. OnSourceOpen fires
// asynchronously once the pipeline is running.
func NewMP3Buffer(cfg MP3Config) *MP3Buffer {
	if cfg.OnUpdateEnd == nil {
		cfg.OnUpdateEnd = func(error) {}
	}
	if cfg.OnSourceOpen == nil {
		cfg.OnSourceOpen = func() {}
	}
	pr, pw := io.Pipe()
	b := &MP3Buffer{
		cfg:     cfg,
		appends: make(chan []byte, 1),
		pr:      pr,
		pw:      pw,
	}
	b.wg.Add(2)
	go b.writeLoop()
	go b.decodeLoop()
	return b
}

// Append hands chunk to the decoder. Only one append may be outstanding;
// chunks appended after EndOfStream, or while another append is in flight,
// are dropped without an update-end.
func (b *MP3Buffer) Append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		slog.Debug("playback: append after end of stream dropped", "bytes", len(chunk))
		return
	}
	select {
	case b.appends <- chunk:
	default:
		slog.Error("playback: append while another is outstanding dropped", "bytes", len(chunk))
	}
}

// EndOfStream lets the decoder finish what it has and then stop.
func (b *MP3Buffer) EndOfStream() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.ended = true
	close(b.appends)
}

// Close stops decoding immediately, waits for the pipeline goroutines and
// releases the output. Safe to call multiple times.
func (b *MP3Buffer) Close() error {
	b.closeOnce.Do(func() {
		b.EndOfStream()
		b.mu.Lock()
		b.closing = true
		pr := b.pr
		b.mu.Unlock()
		pr.CloseWithError(errBufferClosed)
	})
	b.wg.Wait()
	return nil
}

func (b *MP3Buffer) writeLoop() {
	defer b.wg.Done()
	for chunk := range b.appends {
		b.cfg.OnUpdateEnd(b.write(chunk))
	}
	b.mu.Lock()
	b.pipeDone = true
	pw := b.pw
	b.mu.Unlock()
	_ = pw.Close()
}

func (b *MP3Buffer) write(chunk []byte) error {
	if len(chunk) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrDecodeRejected)
	}
	b.mu.Lock()
	pw := b.pw
	b.mu.Unlock()
	if _, err := pw.Write(chunk); err != nil {
		if errors.Is(err, ErrDecodeRejected) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDecodeRejected, err)
	}
	return nil
}

func (b *MP3Buffer) decodeLoop() {
	defer b.wg.Done()
	defer b.closeOutput()
	defer func() {
		if b.cfg.Analyser != nil {
			b.cfg.Analyser.Reset()
		}
	}()

	b.cfg.OnSourceOpen()
	for {
		b.mu.Lock()
		pr := b.pr
		b.mu.Unlock()

		err := b.decode(pr)
		if b.finished(err) {
			return
		}
		slog.Warn("playback: mp3 decode failed, resynchronising", "err", err)
		b.reset(pr, err)
	}
}

// finished reports whether err ends the stream rather than a single bad
// stretch of data. Once the writer has closed the pipe every appended byte
// has been consumed, so there is nothing left to resynchronise on.
func (b *MP3Buffer) finished(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing || b.pipeDone || errors.Is(err, errBufferClosed)
}

// reset replaces the pipe after a decode failure. Any append blocked on the
// old pipe fails with ErrDecodeRejected.
func (b *MP3Buffer) reset(old *io.PipeReader, cause error) {
	pr, pw := io.Pipe()
	b.mu.Lock()
	b.pr, b.pw = pr, pw
	if b.pipeDone {
		_ = pw.Close()
	}
	b.mu.Unlock()
	old.CloseWithError(fmt.Errorf("%w: %w", ErrDecodeRejected, cause))
}

func (b *MP3Buffer) decode(r io.Reader) error {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return err
	}
	out := b.output(dec.SampleRate())

	raw := make([]byte, mp3ReadSize)
	var stereo []int16
	var mono []int16
	for {
		n, err := io.ReadFull(dec, raw)
		if n >= mp3BytesPerPair {
			pairs := n / mp3BytesPerPair
			stereo = stereo[:0]
			mono = mono[:0]
			for i := range pairs {
				l := int16(uint16(raw[i*4]) | uint16(raw[i*4+1])<<8)
				r := int16(uint16(raw[i*4+2]) | uint16(raw[i*4+3])<<8)
				stereo = append(stereo, l, r)
				mono = append(mono, int16((int32(l)+int32(r))/2))
			}
			if b.cfg.Analyser != nil {
				b.cfg.Analyser.Write(mono)
			}
			if out != nil {
				if werr := out.Write(stereo); werr != nil {
					slog.Warn("playback: output write failed, continuing without output", "err", werr)
					b.closeOutput()
					out = nil
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// output returns the output element for sampleRate, opening or reopening it
// when the rate changes. A nil result means playback continues silently.
func (b *MP3Buffer) output(sampleRate int) sound.Output {
	if b.out != nil && b.outRate == sampleRate {
		return b.out
	}
	b.closeOutput()
	if b.cfg.Output == nil {
		return nil
	}
	out, err := b.cfg.Output(sampleRate, mp3Channels)
	if err != nil {
		slog.Error("playback: open output failed", "err", err, "sample_rate", sampleRate)
		return nil
	}
	slog.Debug("playback: output opened", "sample_rate", sampleRate)
	b.out, b.outRate = out, sampleRate
	return out
}

func (b *MP3Buffer) closeOutput() {
	if b.out == nil {
		return
	}
	if err := b.out.Close(); err != nil {
		slog.Warn("playback: close output", "err", err)
	}
	b.out, b.outRate = nil, 0
}
