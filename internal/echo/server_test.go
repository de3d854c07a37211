// ABOUTME: Tests for the echo backend
// ABOUTME: Drives real WebSocket sessions against an httptest server
package echo

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Resonate-Protocol/voicelink/internal/protocol"
)

func startEcho(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 7
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice"
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, e protocol.Event) {
	t.Helper()
	data, err := protocol.EncodeEvent(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) protocol.Event {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text message, got %v", typ)
	}
	e, err := protocol.DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return e
}

func handshake(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	writeEvent(t, ctx, conn, protocol.SessionStart("sess-1", "echo", 16000, "en"))
	if e := readEvent(t, ctx, conn); e.Type != protocol.TypeSessionStarted || e.SessionID != "sess-1" {
		t.Fatalf("unexpected handshake reply %+v", e)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	srv, url := startEcho(t, Config{Chunks: 4, PartialEvery: 2, ReplyDuration: 100 * time.Millisecond, ReplyRate: 8000})
	conn := dial(t, ctx, url)
	handshake(t, ctx, conn)

	frame := make([]byte, 640)
	for i := 0; i < 2; i++ {
		if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	if e := readEvent(t, ctx, conn); e.Type != protocol.TypePartialResult || e.Text != "heard 2 frames" {
		t.Fatalf("expected partial result, got %+v", e)
	}

	writeEvent(t, ctx, conn, protocol.Ping(time.Unix(100, 0)))
	if e := readEvent(t, ctx, conn); e.Type != protocol.TypePong || !e.Time().Equal(time.Unix(100, 0)) {
		t.Fatalf("expected pong echoing timestamp, got %+v", e)
	}

	writeEvent(t, ctx, conn, protocol.UtteranceEnd("sess-1"))

	if e := readEvent(t, ctx, conn); e.Type != protocol.TypeFinalResult || e.Text != "utterance 1: 2 frames" {
		t.Fatalf("expected final result, got %+v", e)
	}
	if e := readEvent(t, ctx, conn); e.Type != protocol.TypeTTSStart || e.Sequence() != 1 {
		t.Fatalf("expected tts-start for seq 1, got %+v", e)
	}

	parts := make([][]byte, 4)
	lastSeen := false
	for i := 0; i < 4; i++ {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		if typ != websocket.MessageBinary {
			t.Fatalf("expected binary chunk, got %v", typ)
		}
		c, err := protocol.DecodeChunk(data)
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if c.Sequence != 1 {
			t.Errorf("chunk seq = %d, want 1", c.Sequence)
		}
		if c.IsLast {
			if c.Index != 3 {
				t.Errorf("last flag on index %d", c.Index)
			}
			lastSeen = true
		}
		parts[c.Index] = c.Payload
	}
	if !lastSeen {
		t.Error("no chunk carried the last flag")
	}

	if e := readEvent(t, ctx, conn); e.Type != protocol.TypeTTSComplete || e.TotalChunks != 4 {
		t.Fatalf("expected tts-complete with total 4, got %+v", e)
	}

	got := bytes.Join(parts, nil)
	if want := Tone(1, 100*time.Millisecond, 8000); !bytes.Equal(got, want) {
		t.Errorf("reassembled reply differs from tone: %d vs %d bytes", len(got), len(want))
	}

	stats := srv.Stats()
	if stats.Sessions != 1 || stats.Frames != 2 || stats.Replies != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestEchoUtteranceEndWithoutAudio(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	srv, url := startEcho(t, Config{})
	conn := dial(t, ctx, url)
	handshake(t, ctx, conn)

	writeEvent(t, ctx, conn, protocol.UtteranceEnd("sess-1"))
	writeEvent(t, ctx, conn, protocol.Ping(time.Unix(5, 0)))

	// Nothing is emitted for the empty utterance, so the pong comes first
	if e := readEvent(t, ctx, conn); e.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %+v", e)
	}
	if srv.Stats().Replies != 0 {
		t.Error("expected no reply for an empty utterance")
	}
}

func TestEchoFlushAfterSilence(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, url := startEcho(t, Config{FlushAfter: 50 * time.Millisecond, PartialEvery: 100})
	conn := dial(t, ctx, url)
	handshake(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 320)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if e := readEvent(t, ctx, conn); e.Type != protocol.TypeFinalResult {
		t.Fatalf("expected final result after flush window, got %+v", e)
	}
}

func TestEchoRejectsMissingHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, url := startEcho(t, Config{})
	conn := dial(t, ctx, url)

	writeEvent(t, ctx, conn, protocol.Ping(time.Now()))
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestEchoSessionEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, url := startEcho(t, Config{})
	conn := dial(t, ctx, url)
	handshake(t, ctx, conn)

	writeEvent(t, ctx, conn, protocol.SessionEnd("sess-1"))
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	pcm := make([]byte, 20) // 10 samples
	tests := []struct {
		k     int
		sizes []int
	}{
		{1, []int{20}},
		{3, []int{6, 6, 8}},
		{5, []int{4, 4, 4, 4, 4}},
		{0, []int{20}},
	}
	for _, tt := range tests {
		parts := Split(pcm, tt.k)
		if len(parts) != len(tt.sizes) {
			t.Fatalf("Split(k=%d) returned %d parts", tt.k, len(parts))
		}
		for i, p := range parts {
			if len(p) != tt.sizes[i] {
				t.Errorf("Split(k=%d)[%d] = %d bytes, want %d", tt.k, i, len(p), tt.sizes[i])
			}
		}
	}
}

func TestToneDeterministic(t *testing.T) {
	a := Tone(3, 50*time.Millisecond, 16000)
	b := Tone(3, 50*time.Millisecond, 16000)
	if !bytes.Equal(a, b) {
		t.Error("expected identical tones for the same sequence")
	}
	if len(a) != 1600 {
		t.Errorf("expected 1600 bytes, got %d", len(a))
	}
	if bytes.Equal(a, Tone(4, 50*time.Millisecond, 16000)) {
		t.Error("expected different pitch for a different sequence")
	}
}
