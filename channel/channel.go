// Package channel implements the remote channel: one persistent websocket per
// session carrying PCM16 frames out and encoded audio chunks in.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gobwas/pool/pbytes"

	"github.com/d1nch8g/aivoice/observe"
	"github.com/d1nch8g/aivoice/pcm"
)

const (
	defaultReadLimit    = 16 << 20
	defaultSendQueue    = 32
	defaultCloseTimeout = time.Second
)

// ErrConnection reports that the channel never opened or failed while open.
var ErrConnection = errors.New("connection failure")

// State is the connection state of a [Channel].
type State int

const (
	Unconnected State = iota
	Connecting
	Open
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions can follow s.
func (s State) Terminal() bool { return s == Closed || s == Errored }

// Handler receives channel events. Callbacks run on the channel's goroutines.
type Handler struct {
	// OnChunk is called once per inbound binary message, in receive order.
	OnChunk func(chunk []byte)

	// OnState is called on every state transition after Dial returns.
	OnState func(state State)
}

// Option configures a [Channel].
type Option func(*Channel)

// WithDialTimeout bounds the initial dial. Zero waits as long as ctx allows.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.dialTimeout = d
	}
}

// WithReadLimit sets the largest inbound message accepted, in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Channel) {
		c.readLimit = n
	}
}

// WithSendQueue sets how many outbound frames may wait for the writer before
// new frames are dropped.
func WithSendQueue(n int) Option {
	return func(c *Channel) {
		c.sendQueue = n
	}
}

// WithCloseTimeout bounds how long Close waits for the peer to answer the
// close handshake before dropping the connection.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.closeTimeout = d
	}
}

// WithMetrics records channel activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// Channel is a bidirectional binary websocket.
type Channel struct {
	url          string
	handler      Handler
	dialTimeout  time.Duration
	readLimit    int64
	sendQueue    int
	closeTimeout time.Duration
	metrics      *observe.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan pcm.Frame
	wg       sync.WaitGroup

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	err     error
	closing bool

	closeOnce sync.Once
}

// Dial starts connecting to url and returns at once in the Connecting state.
// The dial and all later I/O run in the background; no reconnection is
// attempted.
func Dial(ctx context.Context, url string, h Handler, opts ...Option) *Channel {
	c := &Channel{
		url:          url,
		handler:      h,
		readLimit:    defaultReadLimit,
		sendQueue:    defaultSendQueue,
		closeTimeout: defaultCloseTimeout,
		state:        Connecting,
	}
	for _, o := range opts {
		o(c)
	}
	if c.sendQueue <= 0 {
		c.sendQueue = defaultSendQueue
	}
	if c.closeTimeout <= 0 {
		c.closeTimeout = defaultCloseTimeout
	}
	c.metrics = observe.OrDefault(c.metrics)
	c.outbound = make(chan pcm.Frame, c.sendQueue)
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.metrics.RecordConnectionState(c.ctx, Connecting.String())

	c.wg.Add(1)
	go c.run()
	return c
}

// URL returns the endpoint the channel connects to.
func (c *Channel) URL() string { return c.url }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the channel to Errored, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues frame for transmission and reports whether it was accepted.
// It never blocks: frames are dropped when the channel is not Open or the
// outbound queue is full.
func (c *Channel) Send(frame pcm.Frame) bool {
	if c.State() != Open {
		c.metrics.RecordFrameDropped(c.ctx, observe.DropNotOpen)
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		c.metrics.RecordFrameDropped(c.ctx, observe.DropQueueFull)
		slog.Debug("channel: outbound queue full, frame dropped", "queue", c.sendQueue)
		return false
	}
}

// Close closes the connection. After Close returns no further OnChunk call
// is made. Safe to call multiple times. A failed close handshake is logged,
// not returned: the connection is released either way.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		wasOpen := c.state == Open
		c.mu.Unlock()

		if conn != nil && wasOpen {
			c.closeHandshake(conn)
		}
		c.cancel()
		c.wg.Wait()
		if conn != nil {
			_ = conn.CloseNow()
		}
		c.setState(Closed, nil)
	})
	return nil
}

// closeHandshake sends a normal closure and waits at most closeTimeout for
// the peer to answer, then drops the connection. The handshake goroutine
// exits on its own once the connection is gone.
func (c *Channel) closeHandshake(conn *websocket.Conn) {
	done := make(chan error, 1)
	go func() {
		done <- conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			slog.Debug("channel: close handshake", "err", err)
		}
	case <-timer.C:
		slog.Debug("channel: close handshake timed out", "timeout", c.closeTimeout)
		_ = conn.CloseNow()
	}
}

func (c *Channel) run() {
	defer c.wg.Done()

	dialCtx := c.ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(c.ctx, c.dialTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	c.metrics.DialDuration.Record(c.ctx, time.Since(start).Seconds())
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		slog.Warn("channel: dial failed", "url", c.url, "err", err)
		c.setState(Errored, fmt.Errorf("channel: dial %s: %w: %w", c.url, ErrConnection, err))
		return
	}
	conn.SetReadLimit(c.readLimit)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	slog.Info("channel: connected", "url", c.url)
	c.setState(Open, nil)

	c.wg.Add(1)
	go c.writeLoop(conn)
	c.readLoop(conn)
}

// writeLoop sends queued frames in order, one binary message per frame.
func (c *Channel) writeLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.outbound:
			buf := frame.AppendBytes(pbytes.GetCap(frame.Len() * pcm.BytesPerSample))
			err := conn.Write(c.ctx, websocket.MessageBinary, buf)
			pbytes.Put(buf)
			if err != nil {
				c.finish(err)
				return
			}
			c.metrics.FramesSent.Add(c.ctx, 1)
		}
	}
}

// readLoop dispatches inbound binary messages until the connection ends.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		if typ != websocket.MessageBinary {
			slog.Debug("channel: ignoring text message", "bytes", len(data))
			continue
		}
		c.metrics.RecordChunkReceived(c.ctx, len(data))
		if c.handler.OnChunk != nil {
			c.handler.OnChunk(data)
		}
	}
}

// finish classifies the error that ended an I/O loop.
func (c *Channel) finish(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	switch {
	case closing || c.ctx.Err() != nil:
		// Local teardown; Close reports the transition.
	case websocket.CloseStatus(err) != -1:
		slog.Info("channel: closed by remote", "status", websocket.CloseStatus(err))
		c.setState(Closed, nil)
		c.cancel()
	default:
		slog.Warn("channel: connection failed", "err", err)
		c.setState(Errored, fmt.Errorf("channel: %w: %w", ErrConnection, err))
		c.cancel()
	}
}

// setState moves to s unless the channel already reached a terminal state.
func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()

	c.metrics.RecordConnectionState(context.Background(), s.String())
	if c.handler.OnState != nil {
		c.handler.OnState(s)
	}
}
