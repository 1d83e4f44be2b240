// Package observe provides the OpenTelemetry metric instruments recorded by
// the voice pipeline and the Prometheus exporter bridge that serves them.
//
// Components accept a *[Metrics]; when none is supplied they fall back to
// [DefaultMetrics], which records through the global meter provider (a no-op
// until [InitProvider] runs). Tests should use [NewMetrics] with a
// ManualReader-backed provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all pipeline metrics.
const meterName = "github.com/d1nch8g/aivoice"

// Drop reasons for outbound frames.
const (
	DropNotOpen   = "not_open"
	DropQueueFull = "queue_full"
	DropMuted     = "muted"
)

// Metrics holds the metric instruments of the pipeline. All fields are safe
// for concurrent use.
type Metrics struct {
	// FramesSent counts PCM frames written to the remote channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames not sent. Use with attribute
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksReceived counts inbound encoded chunks.
	ChunksReceived metric.Int64Counter

	// ChunkBytes counts inbound encoded bytes.
	ChunkBytes metric.Int64Counter

	// Appends counts chunks handed to the decode buffer.
	Appends metric.Int64Counter

	// AppendsRejected counts chunks the decode buffer rejected.
	AppendsRejected metric.Int64Counter

	// ChunksEvicted counts chunks dropped from a full pending queue.
	ChunksEvicted metric.Int64Counter

	// PendingChunks tracks the pending queue depth.
	PendingChunks metric.Int64Gauge

	// ConnectionStates counts channel state transitions. Use with attribute
	//   attribute.String("state", ...)
	ConnectionStates metric.Int64Counter

	// DialDuration tracks how long opening the remote channel took.
	DialDuration metric.Float64Histogram

	// ActiveSessions tracks live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

var dialBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("aivoice.frames.sent",
		metric.WithDescription("PCM frames written to the remote channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("aivoice.frames.dropped",
		metric.WithDescription("PCM frames not sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("aivoice.chunks.received",
		metric.WithDescription("Encoded audio chunks received."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Counter("aivoice.chunks.bytes",
		metric.WithDescription("Encoded audio bytes received."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Appends, err = m.Int64Counter("aivoice.decode.appends",
		metric.WithDescription("Chunks appended to the decode buffer."),
	); err != nil {
		return nil, err
	}
	if met.AppendsRejected, err = m.Int64Counter("aivoice.decode.rejected",
		metric.WithDescription("Chunks rejected by the decode buffer."),
	); err != nil {
		return nil, err
	}
	if met.ChunksEvicted, err = m.Int64Counter("aivoice.decode.evicted",
		metric.WithDescription("Chunks evicted from a full pending queue."),
	); err != nil {
		return nil, err
	}
	if met.PendingChunks, err = m.Int64Gauge("aivoice.decode.pending",
		metric.WithDescription("Chunks waiting for the decode buffer."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionStates, err = m.Int64Counter("aivoice.channel.states",
		metric.WithDescription("Remote channel state transitions, by state."),
	); err != nil {
		return nil, err
	}
	if met.DialDuration, err = m.Float64Histogram("aivoice.channel.dial.duration",
		metric.WithDescription("Time to open the remote channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dialBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("aivoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] created from
// [otel.GetMeterProvider] on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// OrDefault returns m, or [DefaultMetrics] when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics()
	}
	return m
}

// RecordFrameDropped records one dropped outbound frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChunkReceived records one inbound chunk of n bytes.
func (m *Metrics) RecordChunkReceived(ctx context.Context, n int) {
	m.ChunksReceived.Add(ctx, 1)
	m.ChunkBytes.Add(ctx, int64(n))
}

// RecordConnectionState records a transition into state.
func (m *Metrics) RecordConnectionState(ctx context.Context, state string) {
	m.ConnectionStates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
