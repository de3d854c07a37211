// ABOUTME: Tests for session metrics
// ABOUTME: Reads instruments back through a manual reader
package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.FrameCaptured(ctx)
	m.FrameCaptured(ctx)
	m.FrameDropped(ctx, "overflow")
	m.QueueDelta(ctx, 3)
	m.QueueDelta(ctx, -1)
	m.RecordRTT(ctx, 20*time.Millisecond)

	data := collect(t, reader)

	if got := sumOf(t, data["voicelink.frames.captured"]); got != 2 {
		t.Errorf("expected 2 captured frames, got %d", got)
	}
	if got := sumOf(t, data["voicelink.frames.dropped"]); got != 1 {
		t.Errorf("expected 1 dropped frame, got %d", got)
	}
	if got := sumOf(t, data["voicelink.queue.depth"]); got != 2 {
		t.Errorf("expected queue depth 2, got %d", got)
	}
	if _, ok := data["voicelink.heartbeat.rtt"].(metricdata.Histogram[float64]); !ok {
		t.Error("expected rtt histogram")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// None of these may panic
	m.FrameCaptured(ctx)
	m.FrameSent(ctx)
	m.FrameDropped(ctx, "overflow")
	m.UtteranceEnded(ctx, false)
	m.Reconnected(ctx)
	m.ProtocolError(ctx, "malformed")
	m.ReplyPlayed(ctx)
	m.ReplyDiscarded(ctx, "stale")
	m.RecordRTT(ctx, time.Millisecond)
	m.QueueDelta(ctx, 1)
}
