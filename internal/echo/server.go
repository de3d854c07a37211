// ABOUTME: Echo backend server implementation
// ABOUTME: Manages WebSocket sessions, fake transcripts and chunked replies
package echo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Resonate-Protocol/voicelink/internal/discovery"
	"github.com/Resonate-Protocol/voicelink/internal/protocol"
)

// Defaults
const (
	DefaultPort          = 8765
	DefaultChunks        = 3
	DefaultPartialEvery  = 5
	DefaultReplyDuration = 600 * time.Millisecond
	DefaultReplyRate     = 24000

	readLimit = 1 << 20
)

// Config holds server configuration
type Config struct {
	Port int
	Name string

	// Chunks is how many pieces each reply is split into
	Chunks int

	// PartialEvery sends a partial result after this many inbound frames
	PartialEvery int

	// FlushAfter ends an utterance when no audio arrives for this long.
	// Zero waits for utterance-end from the client.
	FlushAfter time.Duration

	ReplyDuration time.Duration
	ReplyRate     int

	// Seed fixes the chunk shuffle order
	Seed uint64

	EnableMDNS bool
	Logger     *slog.Logger
}

// Stats counts server activity
type Stats struct {
	Sessions int64
	Frames   int64
	Replies  int64
}

// Server is the echo backend
type Server struct {
	config Config
	logger *slog.Logger
	mux    *http.ServeMux

	sessions atomic.Int64
	frames   atomic.Int64
	replies  atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a new server instance
func New(config Config) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Name == "" {
		config.Name = "voicelink-echo"
	}
	if config.Chunks <= 0 {
		config.Chunks = DefaultChunks
	}
	if config.PartialEvery <= 0 {
		config.PartialEvery = DefaultPartialEvery
	}
	if config.ReplyDuration <= 0 {
		config.ReplyDuration = DefaultReplyDuration
	}
	if config.ReplyRate <= 0 {
		config.ReplyRate = DefaultReplyRate
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Seed == 0 {
		config.Seed = uint64(time.Now().UnixNano())
	}

	s := &Server{
		config: config,
		logger: config.Logger.With("component", "echo"),
		mux:    http.NewServeMux(),
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed>>1)),
	}
	s.mux.HandleFunc("/voice", s.handleVoice)
	return s
}

// Handler returns the HTTP handler serving /voice
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Stats returns activity counters
func (s *Server) Stats() Stats {
	return Stats{
		Sessions: s.sessions.Load(),
		Frames:   s.frames.Load(),
		Replies:  s.replies.Load(),
	}
}

// ListenAndServe runs the server until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.config.EnableMDNS {
		mdns := discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Logger:      s.logger,
		})
		if err := mdns.Advertise(); err != nil {
			s.logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer mdns.Stop()
		}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.mux,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("echo backend listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("echo backend stopped")
	return nil
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	sess := &session{
		server: s,
		conn:   conn,
		logger: s.logger.With("remote", r.RemoteAddr),
	}
	sess.run(r.Context())
}

// shuffled returns 0..n-1 in random order
func (s *Server) shuffled(n int) []int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Perm(n)
}

// session is one client connection
type session struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	mu        sync.Mutex
	id        string
	frames    int
	total     int
	seq       uint64
	utterance int
	flush     *time.Timer
}

func (ss *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ss.stopFlush()

	// Handshake
	typ, data, err := ss.conn.Read(ctx)
	if err != nil {
		ss.logger.Debug("read session-start failed", "error", err)
		return
	}
	start, err := protocol.DecodeEvent(data)
	if typ != websocket.MessageText || err != nil || start.Type != protocol.TypeSessionStart {
		ss.logger.Warn("expected session-start", "error", err)
		ss.conn.Close(websocket.StatusPolicyViolation, "expected session-start")
		return
	}

	ss.id = start.SessionID
	if ss.id == "" {
		ss.id = uuid.NewString()
	}
	ss.logger = ss.logger.With("session_id", ss.id)
	ss.server.sessions.Add(1)
	ss.logger.Info("session started", "model", start.ModelID, "sample_rate", start.SampleRate)

	if err := ss.send(ctx, protocol.Event{Type: protocol.TypeSessionStarted, SessionID: ss.id}); err != nil {
		return
	}

	for {
		typ, data, err := ss.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				ss.logger.Info("session closed by client")
			} else {
				ss.logger.Debug("read failed", "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			ss.onAudio(ctx, len(data))
		case websocket.MessageText:
			if done := ss.onEvent(ctx, data); done {
				ss.conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
		}
	}
}

func (ss *session) onAudio(ctx context.Context, n int) {
	ss.server.frames.Add(1)

	ss.mu.Lock()
	ss.frames++
	ss.total++
	frames := ss.frames
	ss.armFlushLocked(ctx)
	ss.mu.Unlock()

	if frames%ss.server.config.PartialEvery == 0 {
		ss.send(ctx, protocol.PartialResult(fmt.Sprintf("heard %d frames", frames)))
	}
}

// onEvent handles a control message and reports whether the session ended
func (ss *session) onEvent(ctx context.Context, data []byte) bool {
	e, err := protocol.DecodeEvent(data)
	if err != nil {
		ss.logger.Warn("dropping malformed event", "error", err)
		ss.send(ctx, protocol.ErrorEvent(err.Error()))
		return false
	}

	switch e.Type {
	case protocol.TypePing:
		ss.send(ctx, protocol.Pong(e))
	case protocol.TypeUtteranceEnd:
		ss.endUtterance(ctx)
	case protocol.TypeSessionEnd:
		ss.logger.Info("session end requested")
		return true
	default:
		ss.logger.Debug("ignoring event", "type", e.Type)
	}
	return false
}

func (ss *session) armFlushLocked(ctx context.Context) {
	d := ss.server.config.FlushAfter
	if d <= 0 {
		return
	}
	if ss.flush != nil {
		ss.flush.Stop()
	}
	ss.flush = time.AfterFunc(d, func() { ss.endUtterance(ctx) })
}

func (ss *session) stopFlush() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.flush != nil {
		ss.flush.Stop()
	}
}

// endUtterance sends the final result and the synthesized reply
func (ss *session) endUtterance(ctx context.Context) {
	ss.mu.Lock()
	if ss.flush != nil {
		ss.flush.Stop()
		ss.flush = nil
	}
	if ss.frames == 0 {
		ss.mu.Unlock()
		return
	}
	frames := ss.frames
	ss.frames = 0
	ss.utterance++
	ss.seq++
	seq := ss.seq
	text := fmt.Sprintf("utterance %d: %d frames", ss.utterance, frames)
	ss.mu.Unlock()

	cfg := ss.server.config
	if err := ss.send(ctx, protocol.FinalResult(text)); err != nil {
		return
	}

	pcm := Tone(seq, cfg.ReplyDuration, cfg.ReplyRate)
	chunks := Split(pcm, cfg.Chunks)

	if err := ss.send(ctx, protocol.TTSStart(seq)); err != nil {
		return
	}
	for _, i := range ss.server.shuffled(len(chunks)) {
		frame := protocol.EncodeChunk(protocol.AudioChunk{
			Sequence: seq,
			Index:    uint32(i),
			Payload:  chunks[i],
			IsLast:   i == len(chunks)-1,
		})
		if err := ss.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			ss.logger.Debug("chunk write failed", "error", err)
			return
		}
	}
	if err := ss.send(ctx, protocol.TTSComplete(seq, len(chunks))); err != nil {
		return
	}

	ss.server.replies.Add(1)
	ss.logger.Info("reply sent", "seq", seq, "chunks", len(chunks), "bytes", len(pcm), "text", text)
}

func (ss *session) send(ctx context.Context, e protocol.Event) error {
	data, err := protocol.EncodeEvent(e)
	if err != nil {
		return err
	}
	if err := ss.conn.Write(ctx, websocket.MessageText, data); err != nil {
		ss.logger.Debug("write failed", "type", e.Type, "error", err)
		return err
	}
	return nil
}
