// ABOUTME: OpenTelemetry metric instruments for voice sessions
// ABOUTME: Counters and histograms for capture, transport, reassembly and playback
// Package observe provides the metric instruments recorded by a voice session.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs an SDK meter provider backed by the Prometheus exporter so the
// client binary can expose /metrics. Components accept a *Metrics and treat
// nil as "metrics disabled"; every recording method is nil-safe. Tests should
// build instruments with [NewMetrics] and a private meter provider.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/Resonate-Protocol/voicelink"

// Metrics holds all OpenTelemetry metric instruments for a session.
type Metrics struct {
	FramesCaptured metric.Int64Counter
	FramesSent     metric.Int64Counter

	// FramesDropped counts outbound frames lost to queue overflow or a failed
	// send. Use with attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// Utterances counts completed utterances. Use with attribute.Bool("forced", ...).
	Utterances metric.Int64Counter

	Reconnects metric.Int64Counter

	// ProtocolErrors counts dropped inbound messages. Use with
	// attribute.String("kind", ...).
	ProtocolErrors metric.Int64Counter

	RepliesPlayed metric.Int64Counter

	// RepliesDiscarded counts reassembly buffers thrown away. Use with
	// attribute.String("reason", ...).
	RepliesDiscarded metric.Int64Counter

	// HeartbeatRTT is the ping/pong round trip in seconds.
	HeartbeatRTT metric.Float64Histogram

	QueueDepth metric.Int64UpDownCounter
}

var rttBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates all instruments using the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("voicelink.frames.captured",
		metric.WithDescription("Audio frames produced by the chunker."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voicelink.frames.sent",
		metric.WithDescription("Audio frames written to the connection."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicelink.frames.dropped",
		metric.WithDescription("Outbound audio frames lost, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voicelink.utterances",
		metric.WithDescription("Completed user utterances."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicelink.reconnects",
		metric.WithDescription("Successful transport reconnections."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("voicelink.protocol.errors",
		metric.WithDescription("Inbound messages dropped as malformed, by kind."),
	); err != nil {
		return nil, err
	}
	if met.RepliesPlayed, err = m.Int64Counter("voicelink.replies.played",
		metric.WithDescription("Synthesized replies played to completion."),
	); err != nil {
		return nil, err
	}
	if met.RepliesDiscarded, err = m.Int64Counter("voicelink.replies.discarded",
		metric.WithDescription("Synthesized replies discarded before playback, by reason."),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatRTT, err = m.Float64Histogram("voicelink.heartbeat.rtt",
		metric.WithDescription("Heartbeat round trip time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(rttBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("voicelink.queue.depth",
		metric.WithDescription("Frames waiting in the outbound queue."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// FrameCaptured records one chunked frame.
func (m *Metrics) FrameCaptured(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesCaptured.Add(ctx, 1)
}

// FrameSent records one frame written to the connection.
func (m *Metrics) FrameSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesSent.Add(ctx, 1)
}

// FrameDropped records a lost outbound frame.
func (m *Metrics) FrameDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// UtteranceEnded records a completed utterance.
func (m *Metrics) UtteranceEnded(ctx context.Context, forced bool) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

// Reconnected records a successful reconnection.
func (m *Metrics) Reconnected(ctx context.Context) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1)
}

// ProtocolError records a dropped inbound message.
func (m *Metrics) ProtocolError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ReplyPlayed records a fully played reply.
func (m *Metrics) ReplyPlayed(ctx context.Context) {
	if m == nil {
		return
	}
	m.RepliesPlayed.Add(ctx, 1)
}

// ReplyDiscarded records a reply that will never play.
func (m *Metrics) ReplyDiscarded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RepliesDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRTT records a heartbeat round trip.
func (m *Metrics) RecordRTT(ctx context.Context, rtt time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatRTT.Record(ctx, rtt.Seconds())
}

// QueueDelta adjusts the outbound queue depth gauge.
func (m *Metrics) QueueDelta(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.QueueDepth.Add(ctx, delta)
}
