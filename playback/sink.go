// Package playback feeds inbound encoded audio into a streaming decode buffer
// that accepts a single append at a time.
//
// The [Sink] is a plain state machine: it holds the pending queue and the
// in-flight flag and is driven by one goroutine (the session loop). Append
// completions reported by the decode buffer must be routed back to that
// goroutine and delivered through [Sink.UpdateEnd].
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/d1nch8g/aivoice/observe"
)

// ErrDecodeRejected reports a chunk the decode buffer could not accept.
var ErrDecodeRejected = errors.New("decode rejected")

// DecodeBuffer is a streaming decoder that accepts one chunk at a time.
type DecodeBuffer interface {
	// Append starts appending chunk. Completion is reported asynchronously
	// through the buffer's update-end callback, with a non-nil error when
	// the chunk was rejected.
	Append(chunk []byte)

	// EndOfStream signals that no more chunks follow.
	EndOfStream()

	// Close releases the buffer and its output. No callback fires after
	// Close returns.
	Close() error
}

// State is the lifecycle state of a [Sink].
type State int

const (
	Idle State = iota
	Attached
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attached:
		return "attached"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stats counts what happened to submitted chunks.
type Stats struct {
	Submitted int
	Appended  int
	Rejected  int
	Evicted   int
	Discarded int
}

// Sink serializes chunks into a [DecodeBuffer]: at most one append is
// outstanding, and chunks are appended in submission order.
//
// Sink is not safe for concurrent use.
type Sink struct {
	state    State
	buf      DecodeBuffer
	queue    *Queue
	updating bool
	stats    Stats
	metrics  *observe.Metrics
}

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithMetrics records sink activity on m.
func WithMetrics(m *observe.Metrics) SinkOption {
	return func(s *Sink) {
		s.metrics = m
	}
}

// NewSink returns an Idle sink whose pending queue holds at most maxPending
// chunks (drop-oldest). maxPending <= 0 leaves the queue unbounded.
func NewSink(maxPending int, opts ...SinkOption) *Sink {
	s := &Sink{queue: NewQueue(maxPending)}
	for _, o := range opts {
		o(s)
	}
	s.metrics = observe.OrDefault(s.metrics)
	return s
}

// State returns the current lifecycle state.
func (s *Sink) State() State { return s.state }

// Pending returns the number of queued chunks.
func (s *Sink) Pending() int { return s.queue.Len() }

// Updating reports whether an append is outstanding.
func (s *Sink) Updating() bool { return s.updating }

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats { return s.stats }

// Attach binds the decode buffer. Valid only while Idle.
func (s *Sink) Attach(buf DecodeBuffer) error {
	if s.state != Idle {
		return fmt.Errorf("playback: attach in state %s", s.state)
	}
	s.buf = buf
	s.state = Attached
	return nil
}

// SourceOpen marks the buffer ready for appends and starts draining anything
// submitted while Attached.
func (s *Sink) SourceOpen() {
	if s.state != Attached {
		slog.Debug("playback: source-open ignored", "state", s.state)
		return
	}
	s.state = Ready
	s.next()
}

// Submit hands chunk to the decode buffer, or queues it while an append is
// outstanding or the buffer is not ready yet.
func (s *Sink) Submit(chunk []byte) {
	if s.state == Closed || s.state == Idle {
		slog.Debug("playback: chunk dropped", "state", s.state, "bytes", len(chunk))
		return
	}
	s.stats.Submitted++
	if s.state == Ready && !s.updating {
		s.append(chunk)
		return
	}
	if _, evicted := s.queue.Push(chunk); evicted {
		s.stats.Evicted++
		s.metrics.ChunksEvicted.Add(context.Background(), 1)
		slog.Warn("playback: pending queue full, oldest chunk dropped", "pending", s.queue.Len())
	}
	s.metrics.PendingChunks.Record(context.Background(), int64(s.queue.Len()))
}

// UpdateEnd completes the outstanding append. A non-nil err drops that chunk;
// either way the next queued chunk is appended.
func (s *Sink) UpdateEnd(err error) {
	if !s.updating {
		slog.Debug("playback: update-end without outstanding append")
		return
	}
	s.updating = false
	if err != nil {
		s.stats.Rejected++
		s.metrics.AppendsRejected.Add(context.Background(), 1)
		slog.Warn("playback: chunk rejected by decoder", "err", err)
	}
	if s.state == Ready {
		s.next()
	}
}

// Close signals end-of-stream, discards pending chunks and releases the
// buffer. Safe to call multiple times.
func (s *Sink) Close() error {
	if s.state == Closed {
		return nil
	}
	prev := s.state
	s.state = Closed
	if n := s.queue.Clear(); n > 0 {
		s.stats.Discarded += n
		slog.Debug("playback: pending chunks discarded", "count", n)
	}
	s.metrics.PendingChunks.Record(context.Background(), 0)
	if prev == Idle || s.buf == nil {
		return nil
	}
	s.buf.EndOfStream()
	if err := s.buf.Close(); err != nil {
		return fmt.Errorf("playback: close buffer: %w", err)
	}
	return nil
}

func (s *Sink) next() {
	chunk, ok := s.queue.Pop()
	if !ok {
		return
	}
	s.metrics.PendingChunks.Record(context.Background(), int64(s.queue.Len()))
	s.append(chunk)
}

func (s *Sink) append(chunk []byte) {
	s.updating = true
	s.stats.Appended++
	s.metrics.Appends.Add(context.Background(), 1)
	s.buf.Append(chunk)
}
