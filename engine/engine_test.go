package engine

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d1nch8g/aivoice/audio"
	"github.com/d1nch8g/aivoice/channel"
	"github.com/d1nch8g/aivoice/config"
	"github.com/d1nch8g/aivoice/level"
	"github.com/d1nch8g/aivoice/playback"
	"github.com/d1nch8g/aivoice/sound"
)

const testBlock = 4096

// fakeStream fills every block with a constant amplitude.
type fakeStream struct {
	buf     []float32
	stopped atomic.Bool
	closed  atomic.Bool
}

func (s *fakeStream) Start() error { return nil }

func (s *fakeStream) Read() error {
	time.Sleep(5 * time.Millisecond)
	for i := range s.buf {
		s.buf[i] = 0.5
	}
	return nil
}

func (s *fakeStream) Stop() error  { s.stopped.Store(true); return nil }
func (s *fakeStream) Close() error { s.closed.Store(true); return nil }

type fakeInput struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
}

func (f *fakeInput) open(_ float64, buf []float32) (audio.InputStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{buf: buf}
	f.streams = append(f.streams, s)
	return s, nil
}

// fakeBuffer accepts every chunk and feeds a loud tone to the analyser so the
// remote level rises while audio is "playing".
type fakeBuffer struct {
	cfg playback.MP3Config
	wg  sync.WaitGroup

	mu     sync.Mutex
	chunks []string
	closed bool
}

func newFakeBuffer(cfg playback.MP3Config) *fakeBuffer {
	b := &fakeBuffer{cfg: cfg}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		cfg.OnSourceOpen()
	}()
	return b
}

func (b *fakeBuffer) Append(chunk []byte) {
	b.mu.Lock()
	b.chunks = append(b.chunks, string(chunk))
	b.mu.Unlock()

	if b.cfg.Analyser != nil {
		tone := make([]int16, 2048)
		for i := range tone {
			tone[i] = int16(20000 * math.Sin(2*math.Pi*float64(i)/16))
		}
		b.cfg.Analyser.Write(tone)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.cfg.OnUpdateEnd(nil)
	}()
}

func (b *fakeBuffer) EndOfStream() {}

func (b *fakeBuffer) Close() error {
	b.wg.Wait()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBuffer) appended() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.chunks...)
}

func noOutput(int, int) (sound.Output, error) {
	return nil, errors.New("no output in tests")
}

// server is a websocket endpoint recording inbound frames.
type server struct {
	*httptest.Server
	accepted atomic.Int32
	frames   chan []byte
}

func startServer(t *testing.T, handler func(n int32, conn *websocket.Conn)) *server {
	t.Helper()
	s := &server{frames: make(chan []byte, 1024)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(s.accepted.Add(1), conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// sink reads and records frames until the connection ends.
func (s *server) sink(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		select {
		case s.frames <- data:
		default:
		}
	}
}

// recorder is an Observer safe to read from the test goroutine.
type recorder struct {
	mu      sync.Mutex
	local   []level.Level
	remote  []level.Level
	states  []channel.State
	capture []CaptureStatus
	calls   atomic.Int64
}

func (r *recorder) LocalLevel(l level.Level) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, l)
}

func (r *recorder) RemoteLevel(l level.Level) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = append(r.remote, l)
}

func (r *recorder) ConnectionState(s channel.State) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) CaptureStatus(s CaptureStatus) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture = append(r.capture, s)
}

func (r *recorder) connectionStates() []channel.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.State(nil), r.states...)
}

func (r *recorder) captureStatuses() []CaptureStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CaptureStatus(nil), r.capture...)
}

func (r *recorder) sawState(s channel.State) bool {
	for _, got := range r.connectionStates() {
		if got == s {
			return true
		}
	}
	return false
}

func (r *recorder) sawTerminal() bool {
	for _, got := range r.connectionStates() {
		if got.Terminal() {
			return true
		}
	}
	return false
}

func (r *recorder) maxLocal() level.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	var m level.Level
	for _, l := range r.local {
		m = max(m, l)
	}
	return m
}

func (r *recorder) maxRemote() level.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	var m level.Level
	for _, l := range r.remote {
		m = max(m, l)
	}
	return m
}

type harness struct {
	engine *Engine
	input  *fakeInput
	rec    *recorder

	mu     sync.Mutex
	buffer *fakeBuffer

	errc chan error
}

func (h *harness) buf() *fakeBuffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buffer
}

func newHarness(t *testing.T, cfg Config, input *fakeInput) *harness {
	t.Helper()
	if input == nil {
		input = &fakeInput{}
	}
	h := &harness{input: input, rec: &recorder{}, errc: make(chan error, 1)}
	if cfg.LevelInterval == 0 {
		cfg.LevelInterval = 10 * time.Millisecond
	}
	cfg.Audio = audio.Config{SampleRate: 16000, BlockSize: testBlock}

	e, err := New(cfg, Deps{
		OpenInput:  input.open,
		OpenOutput: noOutput,
		NewBuffer: func(c playback.MP3Config) playback.DecodeBuffer {
			b := newFakeBuffer(c)
			h.mu.Lock()
			h.buffer = b
			h.mu.Unlock()
			return b
		},
	})
	require.NoError(t, err)
	e.AddObserver(h.rec)
	h.engine = e
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() { h.errc <- h.engine.Start(context.Background()) }()
	require.Eventually(t, h.engine.IsRunning, 2*time.Second, time.Millisecond)
	t.Cleanup(func() { _ = h.engine.Stop() })
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Stop())
	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func recordingServer(t *testing.T) *server {
	t.Helper()
	var srv *server
	srv = startServer(t, func(_ int32, conn *websocket.Conn) { srv.sink(conn) })
	return srv
}

func TestEngine_FramesReachServer(t *testing.T) {
	srv := recordingServer(t)
	h := newHarness(t, Config{ServerURL: srv.url()}, nil)
	h.start(t)

	select {
	case frame := <-srv.frames:
		assert.Len(t, frame, testBlock*2)
		// 0.5 * 32767 floored, little-endian.
		assert.Equal(t, byte(16383&0xff), frame[0])
		assert.Equal(t, byte(16383>>8), frame[1])
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the server")
	}

	assert.Eventually(t, func() bool { return h.engine.Stats().FramesSent > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []CaptureStatus{CaptureActive}, h.rec.captureStatuses())
	assert.Equal(t, level.Level(1), h.rec.maxLocal())

	h.stop(t)
	require.Len(t, h.input.streams, 1)
	assert.True(t, h.input.streams[0].stopped.Load())
	assert.True(t, h.input.streams[0].closed.Load())
}

func TestEngine_ChunksAppendedInOrder(t *testing.T) {
	srv := startServer(t, func(_ int32, conn *websocket.Conn) {
		ctx := conn.CloseRead(context.Background())
		for _, c := range []string{"one", "two", "three"} {
			if err := conn.Write(ctx, websocket.MessageBinary, []byte(c)); err != nil {
				return
			}
		}
		<-ctx.Done()
	})
	h := newHarness(t, Config{ServerURL: srv.url()}, nil)
	h.start(t)

	require.Eventually(t, func() bool {
		b := h.buf()
		return b != nil && len(b.appended()) == 3
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, h.buf().appended())

	require.Eventually(t, func() bool {
		st := h.engine.Stats()
		return st.ChunksReceived == 3 && st.Appends == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.rec.maxRemote() > 0 }, 2*time.Second, 5*time.Millisecond)

	h.stop(t)
	assert.True(t, h.buf().closed)
}

func TestEngine_ConnectionStates(t *testing.T) {
	srv := recordingServer(t)
	h := newHarness(t, Config{ServerURL: srv.url()}, nil)
	h.start(t)

	require.Eventually(t, func() bool { return h.rec.sawState(channel.Open) }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []channel.State{channel.Connecting, channel.Open}, h.rec.connectionStates())
	h.stop(t)
}

func TestEngine_CaptureUnavailable(t *testing.T) {
	srv := recordingServer(t)
	input := &fakeInput{err: errors.New("no microphone")}
	h := newHarness(t, Config{ServerURL: srv.url()}, input)
	h.start(t)

	require.Eventually(t, func() bool { return h.rec.sawState(channel.Open) }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []CaptureStatus{CaptureUnavailable}, h.rec.captureStatuses())
	assert.True(t, h.engine.IsRunning())

	select {
	case <-srv.frames:
		t.Fatal("frame sent without capture")
	case <-time.After(50 * time.Millisecond):
	}
	h.stop(t)
}

func TestEngine_DialFailureKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	h := newHarness(t, Config{ServerURL: url}, nil)
	h.start(t)

	require.Eventually(t, func() bool { return h.rec.sawState(channel.Errored) }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.IsRunning())
	assert.Eventually(t, func() bool { return h.engine.Stats().FramesDropped > 0 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)
}

func TestEngine_Muted(t *testing.T) {
	srv := recordingServer(t)
	h := newHarness(t, Config{ServerURL: srv.url(), Muted: true}, nil)
	assert.True(t, h.engine.Muted())
	h.start(t)

	require.Eventually(t, func() bool { return h.rec.sawState(channel.Open) }, 3*time.Second, 5*time.Millisecond)
	select {
	case <-srv.frames:
		t.Fatal("frame sent while muted")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Greater(t, h.engine.Stats().FramesDropped, 0)
	assert.Zero(t, h.engine.Stats().FramesSent)
	assert.Equal(t, level.Level(1), h.rec.maxLocal())

	h.engine.SetMuted(false)
	select {
	case <-srv.frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame after unmute")
	}
	h.stop(t)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	srv := recordingServer(t)
	h := newHarness(t, Config{ServerURL: srv.url()}, nil)
	require.NoError(t, h.engine.Stop())

	h.start(t)
	assert.Error(t, h.engine.Start(context.Background()))

	h.stop(t)
	require.NoError(t, h.engine.Stop())
	assert.False(t, h.engine.IsRunning())
}

func TestEngine_NoObserverCallsAfterStop(t *testing.T) {
	srv := recordingServer(t)
	h := newHarness(t, Config{ServerURL: srv.url()}, nil)
	h.start(t)
	require.Eventually(t, func() bool { return h.rec.calls.Load() > 10 }, 3*time.Second, 5*time.Millisecond)

	h.stop(t)
	calls := h.rec.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.rec.calls.Load())
}

func TestEngine_ContextCancelEndsSession(t *testing.T) {
	srv := recordingServer(t)
	h := newHarness(t, Config{ServerURL: srv.url()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.engine.Start(ctx) }()
	require.Eventually(t, func() bool { return h.rec.sawState(channel.Open) }, 3*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.False(t, h.engine.IsRunning())
}

func TestEngine_NoReconnectByDefault(t *testing.T) {
	srv := startServer(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	})
	h := newHarness(t, Config{ServerURL: srv.url()}, nil)
	h.start(t)

	require.Eventually(t, h.rec.sawTerminal, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), srv.accepted.Load())
	h.stop(t)
}

func TestEngine_Reconnects(t *testing.T) {
	var srv *server
	srv = startServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		srv.sink(conn)
	})
	h := newHarness(t, Config{
		ServerURL: srv.url(),
		Reconnect: ReconnectPolicy{MaxRetries: 3, Backoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond},
	}, nil)
	h.start(t)

	require.Eventually(t, func() bool { return srv.accepted.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	select {
	case <-srv.frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame after reconnect")
	}

	// The drop is Closed or Errored depending on whether the reader or a
	// pending write notices the close first.
	states := h.rec.connectionStates()
	require.GreaterOrEqual(t, len(states), 5)
	assert.Equal(t, []channel.State{channel.Connecting, channel.Open}, states[:2])
	assert.True(t, states[2].Terminal())
	assert.Equal(t, []channel.State{channel.Connecting, channel.Open}, states[3:5])
	h.stop(t)
}

func TestEngine_ReconnectGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	h := newHarness(t, Config{
		ServerURL: url,
		Reconnect: ReconnectPolicy{MaxRetries: 2, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}, nil)
	h.start(t)

	// One initial attempt plus two retries, each ending Errored.
	require.Eventually(t, func() bool {
		n := 0
		for _, s := range h.rec.connectionStates() {
			if s == channel.Errored {
				n++
			}
		}
		return n == 3
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	n := 0
	for _, s := range h.rec.connectionStates() {
		if s == channel.Connecting {
			n++
		}
	}
	assert.Equal(t, 3, n)
	h.stop(t)
}

// stalledBuffer never completes an append.
type stalledBuffer struct{}

func (stalledBuffer) Append([]byte) {}
func (stalledBuffer) EndOfStream()  {}
func (stalledBuffer) Close() error  { return nil }

// pendingAfter submits n chunks to a session sink whose first append never
// completes and returns the queue depth.
func pendingAfter(t *testing.T, e *Engine, n int) int {
	t.Helper()
	s := newSession(e)
	require.NoError(t, s.sink.Attach(stalledBuffer{}))
	s.sink.SourceOpen()
	for i := range n {
		s.sink.Submit([]byte{byte(i)})
	}
	return s.sink.Pending()
}

func TestNew_ZeroConfigTakesDefaults(t *testing.T) {
	e, err := New(Config{}, Deps{})
	require.NoError(t, err)
	def := config.Default()
	assert.Equal(t, def.Playback.MaxPending, e.config.MaxPending)
	assert.Equal(t, def.Playback.FFTSize, e.config.FFTSize)
	assert.Equal(t, def.Playback.LevelInterval, e.config.LevelInterval)
	assert.Equal(t, def.ServerURL, e.config.ServerURL)
	assert.Equal(t, def.Playback.MaxPending, pendingAfter(t, e, 300))

	e, err = New(Config{MaxPending: -1}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, 299, pendingAfter(t, e, 300))
}

func TestNew_InvalidFFTSize(t *testing.T) {
	_, err := New(Config{FFTSize: 1000}, Deps{})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Reconnect.MaxRetries = 4
	c.Muted = true

	cfg := FromConfig(c)
	assert.Equal(t, c.ServerURL, cfg.ServerURL)
	assert.Equal(t, float64(16000), cfg.Audio.SampleRate)
	assert.Equal(t, 4096, cfg.Audio.BlockSize)
	assert.Equal(t, 256, cfg.MaxPending)
	assert.Equal(t, 4, cfg.Reconnect.MaxRetries)
	assert.True(t, cfg.Muted)
}

func TestObserverFuncs_NilFieldsAreSkipped(t *testing.T) {
	var got []CaptureStatus
	o := ObserverFuncs{OnCaptureStatus: func(s CaptureStatus) { got = append(got, s) }}
	o.LocalLevel(0.5)
	o.RemoteLevel(0.5)
	o.ConnectionState(channel.Open)
	o.CaptureStatus(CaptureActive)
	assert.Equal(t, []CaptureStatus{CaptureActive}, got)
	assert.Equal(t, "unavailable", CaptureUnavailable.String())
}
