package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/d1nch8g/aivoice/audio"
	"github.com/d1nch8g/aivoice/channel"
	"github.com/d1nch8g/aivoice/level"
	"github.com/d1nch8g/aivoice/observe"
	"github.com/d1nch8g/aivoice/pcm"
	"github.com/d1nch8g/aivoice/playback"
)

const eventBuffer = 64

type eventKind int

const (
	evFrame eventKind = iota
	evLocalLevel
	evChunk
	evChannelState
	evUpdateEnd
	evSourceOpen
	evCaptureLost
)

// event carries one callback from a component goroutine into the loop.
type event struct {
	kind  eventKind
	frame pcm.Frame
	level level.Level
	chunk []byte
	state channel.State
	err   error
	gen   int
}

// link is one remote channel generation. Events from older generations are
// ignored after a reconnect.
type link struct {
	gen  int
	ch   *channel.Channel
	gone chan struct{}
}

// session is the state of one Start call. Everything except the event
// channel is owned by the loop goroutine.
type session struct {
	e      *Engine
	events chan event
	quit   chan struct{}
	group  errgroup.Group

	link      *link
	gen       int
	sink      *playback.Sink
	capture   *audio.Capture
	status    CaptureStatus
	ticker    *time.Ticker
	bins      []byte
	reconnect reconnector
	stats     Stats

	teardownOnce sync.Once
	teardownErr  error
}

func newSession(e *Engine) *session {
	return &session{
		e:         e,
		events:    make(chan event, eventBuffer),
		quit:      make(chan struct{}),
		sink:      playback.NewSink(e.config.MaxPending, playback.WithMetrics(e.metrics)),
		bins:      make([]byte, e.analyser.FrequencyBinCount()),
		reconnect: reconnector{policy: e.config.Reconnect},
	}
}

// post delivers ev to the loop unless the session or the sending channel
// generation is already gone.
func (s *session) post(ev event, gone <-chan struct{}) {
	select {
	case s.events <- ev:
	case <-s.quit:
	case <-gone:
	}
}

// start brings the components up in dependency order.
func (s *session) start(ctx context.Context) {
	s.e.publish(s.stats)
	s.openChannel(ctx)

	buf := s.e.deps.NewBuffer(playback.MP3Config{
		Output:   s.e.deps.OpenOutput,
		Analyser: s.e.analyser,
		OnUpdateEnd: func(err error) {
			s.post(event{kind: evUpdateEnd, err: err}, nil)
		},
		OnSourceOpen: func() {
			s.post(event{kind: evSourceOpen}, nil)
		},
	})
	if err := s.sink.Attach(buf); err != nil {
		slog.Error("engine: attach decode buffer", "err", err)
		_ = buf.Close()
	}

	s.startCapture(ctx)
	s.ticker = time.NewTicker(s.e.config.LevelInterval)
}

func (s *session) startCapture(ctx context.Context) {
	src := audio.NewSource(s.e.config.Audio, s.e.deps.OpenInput)
	capture, err := src.Start(ctx,
		func(f pcm.Frame) { s.post(event{kind: evFrame, frame: f}, nil) },
		func(l level.Level) { s.post(event{kind: evLocalLevel, level: l}, nil) },
	)
	if err != nil {
		slog.Warn("engine: capture unavailable, continuing receive-only", "err", err)
		s.setCaptureStatus(CaptureUnavailable)
		return
	}
	s.capture = capture
	s.setCaptureStatus(CaptureActive)

	s.group.Go(func() error {
		select {
		case <-capture.Done():
			s.post(event{kind: evCaptureLost}, nil)
		case <-s.quit:
		}
		return nil
	})
}

func (s *session) openChannel(ctx context.Context) {
	s.gen++
	l := &link{gen: s.gen, gone: make(chan struct{})}
	h := channel.Handler{
		OnChunk: func(chunk []byte) {
			s.post(event{kind: evChunk, chunk: chunk, gen: l.gen}, l.gone)
		},
		OnState: func(st channel.State) {
			s.post(event{kind: evChannelState, state: st, gen: l.gen}, l.gone)
		},
	}
	opts := []channel.Option{
		channel.WithDialTimeout(s.e.config.DialTimeout),
		channel.WithSendQueue(s.e.config.SendQueue),
		channel.WithMetrics(s.e.metrics),
	}
	if s.e.config.ReadLimit > 0 {
		opts = append(opts, channel.WithReadLimit(s.e.config.ReadLimit))
	}
	l.ch = channel.Dial(ctx, s.e.config.ServerURL, h, opts...)
	s.link = l
	s.setConnectionState(channel.Connecting)
}

// closeLink releases the current channel. Its callbacks stop posting before
// Close waits for its goroutines.
func (s *session) closeLink() {
	if s.link == nil {
		return
	}
	close(s.link.gone)
	_ = s.link.ch.Close()
	s.link = nil
}

func (s *session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-s.ticker.C:
			s.sampleRemote()
		case <-s.reconnect.C():
			s.reconnect.fired()
			s.closeLink()
			slog.Info("engine: reconnecting", "url", s.e.config.ServerURL, "attempt", s.reconnect.attempt)
			s.openChannel(ctx)
		}
		s.syncStats()
	}
}

func (s *session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evLocalLevel:
		for _, o := range s.e.snapshotObservers() {
			o.LocalLevel(ev.level)
		}
	case evFrame:
		s.sendFrame(ctx, ev.frame)
	case evChunk:
		if ev.gen != s.gen {
			return
		}
		s.stats.ChunksReceived++
		s.sink.Submit(ev.chunk)
	case evChannelState:
		if ev.gen != s.gen {
			return
		}
		s.setConnectionState(ev.state)
		s.onConnectionState(ev.state)
	case evUpdateEnd:
		s.sink.UpdateEnd(ev.err)
	case evSourceOpen:
		s.sink.SourceOpen()
	case evCaptureLost:
		if s.status == CaptureActive {
			slog.Error("engine: capture stopped unexpectedly")
			s.setCaptureStatus(CaptureUnavailable)
		}
	}
}

func (s *session) sendFrame(ctx context.Context, f pcm.Frame) {
	if s.e.Muted() {
		s.stats.FramesDropped++
		s.e.metrics.RecordFrameDropped(ctx, observe.DropMuted)
		return
	}
	if s.link == nil || !s.link.ch.Send(f) {
		s.stats.FramesDropped++
		return
	}
	s.stats.FramesSent++
}

func (s *session) onConnectionState(st channel.State) {
	switch {
	case st == channel.Open:
		s.reconnect.reset()
	case st.Terminal():
		if !s.reconnect.policy.Enabled() {
			return
		}
		d, ok := s.reconnect.schedule()
		if !ok {
			slog.Error("engine: reconnection failed after max retries",
				"url", s.e.config.ServerURL,
				"max_retries", s.reconnect.policy.MaxRetries,
			)
			return
		}
		slog.Info("engine: connection lost, scheduling reconnect",
			"state", st,
			"attempt", s.reconnect.attempt,
			"backoff", d,
		)
	}
}

func (s *session) sampleRemote() {
	s.bins = s.e.analyser.ByteFrequencyData(s.bins)
	l := level.FromFrequencyBins(s.bins)
	for _, o := range s.e.snapshotObservers() {
		o.RemoteLevel(l)
	}
}

func (s *session) setConnectionState(st channel.State) {
	for _, o := range s.e.snapshotObservers() {
		o.ConnectionState(st)
	}
}

func (s *session) setCaptureStatus(st CaptureStatus) {
	s.status = st
	for _, o := range s.e.snapshotObservers() {
		o.CaptureStatus(st)
	}
}

func (s *session) syncStats() {
	ps := s.sink.Stats()
	s.stats.Appends = ps.Appended
	s.stats.AppendsRejected = ps.Rejected
	s.stats.ChunksEvicted = ps.Evicted
	s.e.publish(s.stats)
}

// teardown releases the components in reverse dependency order. Pending
// callbacks are discarded once quit is closed.
func (s *session) teardown() error {
	s.teardownOnce.Do(func() {
		close(s.quit)
		var errs []error
		if s.capture != nil {
			if err := s.capture.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeLink()
		if err := s.sink.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.reconnect.stop()
		_ = s.group.Wait()
		s.syncStats()
		s.teardownErr = errors.Join(errs...)
	})
	return s.teardownErr
}
