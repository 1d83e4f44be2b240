// Package engine runs a duplex voice session: microphone frames go out over
// the remote channel while encoded replies are decoded and played back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d1nch8g/aivoice/audio"
	"github.com/d1nch8g/aivoice/config"
	"github.com/d1nch8g/aivoice/level"
	"github.com/d1nch8g/aivoice/observe"
	"github.com/d1nch8g/aivoice/playback"
	"github.com/d1nch8g/aivoice/sound"
)

// Config holds the session settings.
type Config struct {
	ServerURL string
	Audio     audio.Config

	// OutputFramesPerBuffer sizes the default playback device buffer.
	OutputFramesPerBuffer int

	// MaxPending bounds the pending chunk queue. Zero uses the default and
	// a negative value leaves the queue unbounded.
	MaxPending    int
	FFTSize       int
	LevelInterval time.Duration

	SendQueue   int
	ReadLimit   int64
	DialTimeout time.Duration

	Reconnect ReconnectPolicy

	// Muted starts the engine with outbound audio muted.
	Muted bool
}

// FromConfig converts loaded configuration into engine settings.
func FromConfig(c *config.Config) Config {
	return Config{
		ServerURL: c.ServerURL,
		Audio: audio.Config{
			SampleRate: float64(c.Audio.SampleRate),
			BlockSize:  c.Audio.BlockSize,
		},
		OutputFramesPerBuffer: c.Audio.OutputFramesPerBuffer,
		MaxPending:            c.Playback.MaxPending,
		FFTSize:               c.Playback.FFTSize,
		LevelInterval:         c.Playback.LevelInterval,
		SendQueue:             c.Channel.SendQueue,
		ReadLimit:             c.Channel.ReadLimit,
		DialTimeout:           c.Channel.DialTimeout,
		Reconnect: ReconnectPolicy{
			MaxRetries: c.Reconnect.MaxRetries,
			Backoff:    c.Reconnect.Backoff,
			MaxBackoff: c.Reconnect.MaxBackoff,
		},
		Muted: c.Muted,
	}
}

// Deps are the collaborators a session opens. Nil fields use the PortAudio
// devices and the MP3 decode buffer.
type Deps struct {
	OpenInput  audio.OpenFunc
	OpenOutput sound.OpenFunc
	NewBuffer  func(playback.MP3Config) playback.DecodeBuffer
	Metrics    *observe.Metrics
}

// Stats counts what happened during the current or last session.
type Stats struct {
	FramesSent      int
	FramesDropped   int
	ChunksReceived  int
	Appends         int
	AppendsRejected int
	ChunksEvicted   int
}

// Engine orchestrates one voice session at a time.
type Engine struct {
	config   Config
	deps     Deps
	analyser *level.Analyser
	metrics  *observe.Metrics

	muted atomic.Bool

	observersMu sync.RWMutex
	observers   []Observer

	statsMu sync.Mutex
	stats   Stats

	runningMutex sync.Mutex
	isRunning    bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates an engine. Zero config fields take their defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	def := config.Default()
	if cfg.ServerURL == "" {
		cfg.ServerURL = def.ServerURL
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = def.Playback.MaxPending
	}
	if cfg.FFTSize == 0 {
		cfg.FFTSize = def.Playback.FFTSize
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = def.Playback.LevelInterval
	}
	if cfg.OutputFramesPerBuffer <= 0 {
		cfg.OutputFramesPerBuffer = def.Audio.OutputFramesPerBuffer
	}
	if deps.OpenOutput == nil {
		deps.OpenOutput = sound.Opener(cfg.OutputFramesPerBuffer)
	}
	if deps.NewBuffer == nil {
		deps.NewBuffer = func(c playback.MP3Config) playback.DecodeBuffer {
			return playback.NewMP3Buffer(c)
		}
	}

	analyser, err := level.NewAnalyser(cfg.FFTSize)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		config:   cfg,
		deps:     deps,
		analyser: analyser,
		metrics:  observe.OrDefault(deps.Metrics),
	}
	e.muted.Store(cfg.Muted)
	return e, nil
}

// AddObserver registers o for the signals of every later session event.
func (e *Engine) AddObserver(o Observer) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, o)
}

// SetMuted toggles sending captured audio. Local levels keep flowing while
// muted.
func (e *Engine) SetMuted(muted bool) {
	if e.muted.Swap(muted) != muted {
		slog.Info("engine: mute changed", "muted", muted)
	}
}

// Muted reports whether outbound audio is muted.
func (e *Engine) Muted() bool { return e.muted.Load() }

// Stats returns a snapshot of the session counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// IsRunning returns whether a session is live.
func (e *Engine) IsRunning() bool {
	e.runningMutex.Lock()
	defer e.runningMutex.Unlock()
	return e.isRunning
}

// Start runs a session until ctx is done or Stop is called. Failing capture
// or a dropped connection degrade the session without ending it. Start
// returns teardown errors only; a stopped session returns nil.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.runningMutex.Lock()
	if e.isRunning {
		e.runningMutex.Unlock()
		return errors.New("engine: already running")
	}
	done := make(chan struct{})
	e.isRunning, e.cancel, e.done = true, cancel, done
	e.runningMutex.Unlock()

	defer func() {
		e.runningMutex.Lock()
		e.isRunning, e.cancel, e.done = false, nil, nil
		e.runningMutex.Unlock()
		close(done)
	}()

	e.metrics.ActiveSessions.Add(ctx, 1)
	defer e.metrics.ActiveSessions.Add(context.Background(), -1)

	s := newSession(e)
	slog.Info("engine: session started", "url", e.config.ServerURL)
	s.start(ctx)
	s.loop(ctx)
	err := s.teardown()
	slog.Info("engine: session ended", "stats", fmt.Sprintf("%+v", e.Stats()))
	return err
}

// Stop ends the running session and waits for its teardown. After Stop
// returns no observer is called. Safe to call multiple times and when no
// session is running.
func (e *Engine) Stop() error {
	e.runningMutex.Lock()
	cancel, done := e.cancel, e.done
	e.runningMutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (e *Engine) snapshotObservers() []Observer {
	e.observersMu.RLock()
	defer e.observersMu.RUnlock()
	return e.observers
}

func (e *Engine) publish(st Stats) {
	e.statsMu.Lock()
	e.stats = st
	e.statsMu.Unlock()
}
