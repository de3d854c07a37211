// ABOUTME: Tests for the voice session
// ABOUTME: Runs sessions end to end against the echo backend
package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/client"
	"github.com/Resonate-Protocol/voicelink/internal/clock"
	"github.com/Resonate-Protocol/voicelink/internal/config"
	"github.com/Resonate-Protocol/voicelink/internal/echo"
	"github.com/Resonate-Protocol/voicelink/internal/reassembly"
	"github.com/Resonate-Protocol/voicelink/internal/utterance"
	"github.com/Resonate-Protocol/voicelink/pkg/audio"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/capture"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/output"
)

const frameDuration = 200 * time.Millisecond

// recorder collects session events until the channel closes
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(s *Session) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range s.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	return len(r.of(kind))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func constantFrame(value int16, rate int, d time.Duration) []byte {
	samples := make([]int16, audio.PCM16Mono(rate).FrameBytes(d)/2)
	for i := range samples {
		samples[i] = value
	}
	return audio.SamplesToBytes(samples)
}

func startBackend(t *testing.T, cfg echo.Config) (*echo.Server, string) {
	t.Helper()
	backend, url, _ := startDroppableBackend(t, cfg)
	return backend, url
}

// startDroppableBackend also returns a func that cuts every open websocket
// without a close frame, as a network failure would
func startDroppableBackend(t *testing.T, cfg echo.Config) (*echo.Server, string, func()) {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	backend := echo.New(cfg)

	var mu sync.Mutex
	var conns []net.Conn
	ts := httptest.NewUnstartedServer(backend.Handler())
	ts.Config.ConnState = func(c net.Conn, st http.ConnState) {
		if st == http.StateHijacked {
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}
	ts.Start()
	t.Cleanup(ts.Close)

	drop := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		conns = nil
	}
	return backend, "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice", drop
}

func (r *recorder) connected() int {
	n := 0
	for _, ev := range r.of(ConnectionChanged) {
		if ev.State == client.Connected {
			n++
		}
	}
	return n
}

// speak feeds n loud frames 100ms apart on the fake clock
func speak(t *testing.T, sess *Session, clk *clock.Fake, blocks chan<- []byte, n int) {
	t.Helper()
	speech := constantFrame(5000, 16000, frameDuration)
	for i := 0; i < n; i++ {
		want := sess.Stats().Captured + 1
		blocks <- speech
		waitFor(t, "frame to be captured", func() bool { return sess.Stats().Captured == want })
		if i < n-1 {
			clk.Advance(100 * time.Millisecond)
		}
	}
}

func testConfig(url string) Config {
	return Config{
		Client: client.Config{
			URL:            url,
			ModelID:        "echo",
			RequireAck:     true,
			ReconnectDelay: 50 * time.Millisecond,
			MaxRetries:     2,
		},
		WireRate:      16000,
		FrameDuration: frameDuration,
		PlaybackRate:  24000,
		Silence:       3 * time.Second,
		Interruptible: true,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	backend, url := startBackend(t, echo.Config{
		Chunks:        3,
		PartialEvery:  5,
		ReplyDuration: 200 * time.Millisecond,
		ReplyRate:     24000,
	})

	clk := clock.NewFake(time.Unix(1000, 0))
	sink := output.NewRecorder()
	blocks := make(chan []byte)

	sess, err := New(testConfig(url), Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(16000), blocks),
		Sink:   sink,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := collect(sess)

	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	speech := constantFrame(5000, 16000, frameDuration)
	for i := 0; i < 5; i++ {
		blocks <- speech
		n := uint64(i + 1)
		waitFor(t, "frame to be captured", func() bool { return sess.Stats().Captured == n })
		if i < 4 {
			clk.Advance(100 * time.Millisecond)
		}
	}

	waitFor(t, "backend to receive frames", func() bool { return backend.Stats().Frames == 5 })
	waitFor(t, "partial result", func() bool { return events.count(PartialResult) == 1 })

	if got := events.count(UtteranceStarted); got != 1 {
		t.Fatalf("expected 1 UtteranceStarted, got %d", got)
	}

	// Recognition traffic must not move the silence deadline
	clk.Advance(2999 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if got := events.count(UtteranceEnded); got != 0 {
		t.Fatalf("utterance ended before the silence window elapsed")
	}
	if st := sess.Stats().Utterance; st != utterance.Armed {
		t.Fatalf("expected armed timer, got %s", st)
	}

	clk.Advance(time.Millisecond)
	waitFor(t, "utterance end", func() bool { return events.count(UtteranceEnded) == 1 })

	ended := events.of(UtteranceEnded)[0].Utterance
	if silence := ended.EndedAt.Sub(ended.LastSpeechAt); silence != 3*time.Second {
		t.Errorf("expected utterance to end 3s after last speech, got %s", silence)
	}
	if ended.Frames != 5 || ended.Forced {
		t.Errorf("unexpected utterance %+v", ended)
	}

	waitFor(t, "reply playback", func() bool { return events.count(ReplyPlayed) == 1 })

	want := echo.Tone(1, 200*time.Millisecond, 24000)
	if got := sink.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("played %d bytes, want the %d byte reply", len(got), len(want))
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-events.done

	if got := events.count(UtteranceEnded); got != 1 {
		t.Errorf("expected exactly one UtteranceEnded, got %d", got)
	}
	if got := events.count(ReplyPlayed); got != 1 {
		t.Errorf("expected exactly one ReplyPlayed, got %d", got)
	}
	played := events.of(ReplyPlayed)[0]
	if played.Seq != 1 || played.Bytes != len(want) {
		t.Errorf("unexpected ReplyPlayed %+v", played)
	}
	finals := events.of(FinalResult)
	if len(finals) != 1 || finals[0].Text != "utterance 1: 5 frames" {
		t.Errorf("unexpected final results %+v", finals)
	}
}

func TestSessionReplyAfterReconnect(t *testing.T) {
	backend, url, drop := startDroppableBackend(t, echo.Config{
		Chunks:        3,
		ReplyDuration: 200 * time.Millisecond,
		ReplyRate:     24000,
	})

	clk := clock.NewFake(time.Unix(1000, 0))
	sink := output.NewRecorder()
	blocks := make(chan []byte)

	sess, err := New(testConfig(url), Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(16000), blocks),
		Sink:   sink,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := collect(sess)
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	speak(t, sess, clk, blocks, 5)
	waitFor(t, "backend to receive frames", func() bool { return backend.Stats().Frames == 5 })
	clk.Advance(3 * time.Second)
	waitFor(t, "first reply", func() bool { return events.count(ReplyPlayed) == 1 })

	drop()
	waitFor(t, "reconnect", func() bool { return events.connected() == 2 })
	waitFor(t, "second backend session", func() bool { return backend.Stats().Sessions == 2 })

	// The new connection numbers its replies from 1 again
	speak(t, sess, clk, blocks, 5)
	waitFor(t, "backend to receive frames", func() bool { return backend.Stats().Frames == 10 })
	clk.Advance(3 * time.Second)
	waitFor(t, "second reply", func() bool { return events.count(ReplyPlayed) == 2 })

	played := events.of(ReplyPlayed)
	if played[1].Seq != 1 {
		t.Errorf("expected the second reply to be seq 1 of the new connection, got %d", played[1].Seq)
	}
	tone := echo.Tone(1, 200*time.Millisecond, 24000)
	if want := append(append([]byte{}, tone...), tone...); !bytes.Equal(sink.Bytes(), want) {
		t.Errorf("played %d bytes, want both %d byte replies", len(sink.Bytes()), len(tone))
	}
	if got := events.count(ReplyStarted); got != 2 {
		t.Errorf("expected 2 ReplyStarted, got %d", got)
	}
	if d := events.of(ReplyDiscarded); len(d) != 0 {
		t.Errorf("unexpected discards %+v", d)
	}
	if st := sess.Stats(); st.Stale != 0 || st.Transport.Reconnects != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSessionUtteranceEndDuringReconnect(t *testing.T) {
	backend, url, drop := startDroppableBackend(t, echo.Config{
		Chunks:        2,
		ReplyDuration: 100 * time.Millisecond,
		ReplyRate:     24000,
	})

	clk := clock.NewFake(time.Unix(1000, 0))
	blocks := make(chan []byte)

	cfg := testConfig(url)
	cfg.Client.ReconnectDelay = time.Second
	sess, err := New(cfg, Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(16000), blocks),
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := collect(sess)
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	waitFor(t, "connection", func() bool { return events.connected() == 1 })
	drop()
	waitFor(t, "reconnecting", func() bool { return sess.State() == client.Reconnecting })

	// The whole utterance, including its end, happens while the link is down
	speak(t, sess, clk, blocks, 5)
	clk.Advance(3 * time.Second)
	waitFor(t, "utterance end", func() bool { return events.count(UtteranceEnded) == 1 })
	if st := sess.State(); st == client.Connected {
		t.Fatal("reconnected before the utterance ended")
	}
	if q := sess.Stats().Queued; q != 6 {
		t.Errorf("expected 5 frames and utterance-end queued, got %d", q)
	}

	waitFor(t, "final result", func() bool { return events.count(FinalResult) == 1 })
	if got := events.of(FinalResult)[0].Text; got != "utterance 1: 5 frames" {
		t.Errorf("unexpected final result %q", got)
	}
	waitFor(t, "reply", func() bool { return events.count(ReplyPlayed) == 1 })

	if backend.Stats().Frames != 5 {
		t.Errorf("expected 5 frames at the backend, got %d", backend.Stats().Frames)
	}
	for _, w := range events.of(Warning) {
		t.Errorf("unexpected warning %v", w.Err)
	}
}

func TestSessionSilenceIsNotSent(t *testing.T) {
	backend, url := startBackend(t, echo.Config{})

	clk := clock.NewFake(time.Unix(0, 0))
	blocks := make(chan []byte)
	sess, err := New(testConfig(url), Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(16000), blocks),
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := collect(sess)
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	quiet := constantFrame(100, 16000, frameDuration)
	for i := 0; i < 3; i++ {
		blocks <- quiet
	}
	waitFor(t, "frames to be captured", func() bool { return sess.Stats().Captured == 3 })
	time.Sleep(50 * time.Millisecond)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-events.done

	if backend.Stats().Frames != 0 {
		t.Errorf("expected no frames sent, backend saw %d", backend.Stats().Frames)
	}
	if events.count(UtteranceStarted) != 0 {
		t.Error("silence opened an utterance")
	}
	if st := sess.Stats(); st.Speech != 0 || st.Queued != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSessionBargeIn(t *testing.T) {
	_, url := startBackend(t, echo.Config{
		Chunks:        4,
		ReplyDuration: 2 * time.Second,
		ReplyRate:     24000,
	})

	clk := clock.NewFake(time.Unix(0, 0))
	sink := output.NewRecorder()
	sink.Realtime = true
	if err := sink.Open(audio.PCM16Mono(24000)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	blocks := make(chan []byte)

	cfg := testConfig(url)
	cfg.PlaybackThresholdScale = 2
	cfg.Segment = 40 * time.Millisecond

	sess, err := New(cfg, Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(16000), blocks),
		Sink:   sink,
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := collect(sess)
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	blocks <- constantFrame(8000, 16000, frameDuration)
	waitFor(t, "utterance start", func() bool { return events.count(UtteranceStarted) == 1 })
	waitFor(t, "frame to be queued", func() bool { return sess.Stats().Transport.Sent == 1 })

	if !sess.FlushUtterance() {
		t.Fatal("expected an open utterance to flush")
	}
	waitFor(t, "reply to start playing", sess.IsPlaying)

	// Below the raised threshold: the reply keeps playing
	blocks <- constantFrame(1500, 16000, frameDuration)
	waitFor(t, "quiet frame", func() bool { return sess.Stats().Captured == 2 })
	if events.count(UtteranceStarted) != 1 {
		t.Fatal("playback echo was classified as speech")
	}

	blocks <- constantFrame(8000, 16000, frameDuration)
	waitFor(t, "interruption", func() bool {
		for _, ev := range events.of(ReplyDiscarded) {
			if ev.Reason == reassembly.ReasonInterrupted {
				return true
			}
		}
		return false
	})

	if events.count(ReplyPlayed) != 0 {
		t.Error("interrupted reply reported as played")
	}
	if full := len(echo.Tone(1, 2*time.Second, 24000)); len(sink.Bytes()) >= full {
		t.Errorf("expected partial playback, got %d of %d bytes", len(sink.Bytes()), full)
	}
	if st := sess.Stats().Playback; st.Interrupted != 1 {
		t.Errorf("expected one interruption, got %+v", st)
	}
	if ended := events.of(UtteranceEnded); len(ended) != 1 || !ended[0].Utterance.Forced {
		t.Errorf("expected one forced utterance end, got %+v", ended)
	}
}

func TestSessionResamplesCapture(t *testing.T) {
	backend, url := startBackend(t, echo.Config{})

	blocks := make(chan []byte, 2)
	sess, err := New(testConfig(url), Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(48000), blocks),
		Clock:  clock.NewFake(time.Unix(0, 0)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	blocks <- constantFrame(5000, 48000, frameDuration)
	blocks <- constantFrame(5000, 48000, frameDuration)

	waitFor(t, "wire frame", func() bool { return backend.Stats().Frames >= 1 })
}

func TestSessionConnectFailure(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice"
	ts.Close()

	sess, err := New(testConfig(url), Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(16000), make(chan []byte)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err == nil {
		t.Fatal("expected Start to fail against a closed server")
	}
	if err := sess.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("Close after failed start: %v", err)
	}
}

func TestSessionCloseWithoutStart(t *testing.T) {
	sess, err := New(testConfig("ws://127.0.0.1:1/voice"), Deps{
		Source: capture.NewChanSource(audio.PCM16Mono(16000), make(chan []byte)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("expected events channel to be closed")
	}
}

func TestNewRejectsStereo(t *testing.T) {
	stereo := audio.Format{SampleRate: 16000, Channels: 2, BitDepth: audio.BitDepth16}
	_, err := New(testConfig("ws://example/voice"), Deps{
		Source: capture.NewChanSource(stereo, nil),
	})
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}

	if _, err := New(testConfig("ws://example/voice"), Deps{}); err == nil {
		t.Fatal("expected error without a source")
	}
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Session.ModelID = "whisper-small"
	c.Utterance.Silence = 2 * time.Second
	c.Playback.Interruptible = true

	cfg := FromConfig(c, "ws://backend:8765/voice")
	cfg.applyDefaults()

	if cfg.Client.URL != "ws://backend:8765/voice" || cfg.Client.ModelID != "whisper-small" {
		t.Errorf("unexpected client config %+v", cfg.Client)
	}
	if cfg.Client.SampleRate != cfg.WireRate {
		t.Errorf("client sample rate %d does not match wire rate %d", cfg.Client.SampleRate, cfg.WireRate)
	}
	if cfg.Silence != 2*time.Second || !cfg.Interruptible {
		t.Errorf("unexpected timing config %+v", cfg)
	}
	if cfg.SweepInterval != cfg.StaleAfter/2 {
		t.Errorf("expected sweep interval to default to half the stale window")
	}
}

func TestEventKindString(t *testing.T) {
	if UtteranceEnded.String() != "utterance-ended" || ReplyDiscarded.String() != "reply-discarded" {
		t.Error("unexpected event kind names")
	}
	if EventKind(99).String() != "unknown" {
		t.Error("expected unknown for out of range kind")
	}
}
