// ABOUTME: WebSocket transport session for the voice backend
// ABOUTME: Handles handshake, send/receive loops, heartbeat and reconnection
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Resonate-Protocol/voicelink/internal/observe"
	"github.com/Resonate-Protocol/voicelink/internal/protocol"
	"github.com/Resonate-Protocol/voicelink/internal/queue"
)

// Default transport parameters
const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultMaxRetries        = 10
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second

	sendLogEvery = 50
)

var (
	// ErrNotConnected is returned by SendEvent while no connection is up
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("client closed")

	// ErrConnectionLost is reported on Errors() once the retry budget is spent
	ErrConnectionLost = errors.New("connection lost")

	errServerClosed     = errors.New("server closed the session")
	errHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Config holds client configuration
type Config struct {
	// URL is the backend WebSocket endpoint, e.g. ws://host:8765/voice
	URL string

	SessionID  string // generated when empty
	ModelID    string
	Language   string
	SampleRate int

	// RequireAck makes the handshake wait for session-started. Otherwise
	// the ack is accepted whenever it arrives.
	RequireAck bool

	ReconnectDelay    time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	Header http.Header
	Dialer *websocket.Dialer
}

// Stats is a snapshot of transport counters
type Stats struct {
	State      State
	Sent       uint64
	Lost       uint64
	Reconnects uint64
	Malformed  uint64
	RTT        time.Duration
}

// Client is a reconnecting WebSocket session
type Client struct {
	cfg     Config
	queue   *queue.Queue
	logger  *slog.Logger
	metrics *observe.Metrics
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	started bool

	writeMu sync.Mutex

	chunks chan protocol.AudioChunk
	events chan protocol.Event
	states chan State
	errs   chan error

	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	missed     atomic.Int32
	sent       atomic.Uint64
	lost       atomic.Uint64
	reconnects atomic.Uint64
	malformed  atomic.Uint64
	rtt        atomic.Int64
}

// New creates a client that sends frames from q
func New(cfg Config, q *queue.Queue, logger *slog.Logger, metrics *observe.Metrics) *Client {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.ReconnectDelay {
		cfg.MaxBackoff = cfg.ReconnectDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = cfg.HandshakeTimeout
		dialer = &d
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:     cfg,
		queue:   q,
		logger:  logger.With("component", "client", "session_id", cfg.SessionID),
		metrics: metrics,
		dialer:  dialer,
		chunks:  make(chan protocol.AudioChunk, 100),
		events:  make(chan protocol.Event, 64),
		states:  make(chan State, 16),
		errs:    make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// SessionID returns the identifier sent in session-start
func (c *Client) SessionID() string { return c.cfg.SessionID }

// Chunks delivers inbound synthesized audio chunks
func (c *Client) Chunks() <-chan protocol.AudioChunk { return c.chunks }

// Events delivers inbound control events other than heartbeats
func (c *Client) Events() <-chan protocol.Event { return c.events }

// States delivers connection state changes
func (c *Client) States() <-chan State { return c.states }

// Errors delivers fatal transport errors
func (c *Client) Errors() <-chan error { return c.errs }

// Done is closed when the client stops for good
func (c *Client) Done() <-chan struct{} { return c.done }

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns transport counters
func (c *Client) Stats() Stats {
	return Stats{
		State:      c.State(),
		Sent:       c.sent.Load(),
		Lost:       c.lost.Load(),
		Reconnects: c.reconnects.Load(),
		Malformed:  c.malformed.Load(),
		RTT:        time.Duration(c.rtt.Load()),
	}
}

// Connect dials the backend, performs the handshake and starts the session
// loops. A failed first connection is returned rather than retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connect: already started")
	}
	if c.closing.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	c.setState(Connecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		close(c.done)
		return err
	}
	c.setConn(conn)
	c.setState(Connected)

	go c.run(conn)
	return nil
}

// dial opens a connection and sends session-start
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	c.logger.Info("connecting", "url", c.cfg.URL)
	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	start := protocol.SessionStart(c.cfg.SessionID, c.cfg.ModelID, c.cfg.SampleRate, c.cfg.Language)
	if err := c.writeEvent(conn, start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session-start: %w", err)
	}

	if c.cfg.RequireAck {
		if err := c.awaitAck(conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	c.missed.Store(0)
	return conn, nil
}

func (c *Client) awaitAck(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read session-started: %w", err)
	}
	if mt != websocket.TextMessage {
		return fmt.Errorf("handshake: %w: expected text frame", protocol.ErrMalformed)
	}
	e, err := protocol.DecodeEvent(data)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if e.Type != protocol.TypeSessionStarted {
		return fmt.Errorf("handshake: expected %s, got %s", protocol.TypeSessionStarted, e.Type)
	}
	c.logger.Info("session acknowledged")
	return nil
}

// run supervises one connection at a time until the session ends
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.serve(conn)

		if c.ctx.Err() != nil || c.closing.Load() {
			c.setState(Closed)
			return
		}
		if errors.Is(err, errServerClosed) {
			c.logger.Info("server ended the session")
			c.setState(Disconnected)
			return
		}

		c.logger.Warn("connection lost, reconnecting", "error", err)
		next, err := c.reconnect()
		if err != nil {
			if c.ctx.Err() != nil {
				c.setState(Closed)
				return
			}
			c.logger.Error("giving up on connection", "error", err)
			c.setState(Disconnected)
			select {
			case c.errs <- err:
			default:
			}
			return
		}
		conn = next
	}
}

// serve runs the reader, sender and heartbeat for one connection and
// returns the first error among them
func (c *Client) serve(conn *websocket.Conn) error {
	g, ctx := errgroup.WithContext(c.ctx)

	g.Go(func() error { return c.readLoop(ctx, conn) })
	g.Go(func() error { return c.sendLoop(ctx, conn) })
	g.Go(func() error { return c.heartbeatLoop(ctx, conn) })
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks the reader
		conn.Close()
		return nil
	})

	err := g.Wait()
	c.setConn(nil)
	return err
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	c.setState(Reconnecting)
	delay := c.cfg.ReconnectDelay

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, c.ctx.Err()
		case <-timer.C:
		}

		c.setState(Connecting)
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.setConn(conn)
			c.setState(Connected)
			c.reconnects.Add(1)
			c.metrics.Reconnected(c.ctx)
			c.logger.Info("reconnected", "attempt", attempt, "queued", c.queue.Len())
			return conn, nil
		}

		c.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"error", err)
		c.setState(Reconnecting)

		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrConnectionLost, c.cfg.MaxRetries)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && !c.closing.Load() {
				return errServerClosed
			}
			return fmt.Errorf("read: %w", err)
		}

		switch mt {
		case websocket.BinaryMessage:
			c.handleBinaryMessage(ctx, data)
		case websocket.TextMessage:
			c.handleJSONMessage(ctx, conn, data)
		}
	}
}

// handleBinaryMessage handles audio chunks
func (c *Client) handleBinaryMessage(ctx context.Context, data []byte) {
	chunk, err := protocol.DecodeChunk(data)
	if err != nil {
		c.dropMalformed(ctx, "binary", err)
		return
	}
	c.deliverChunk(ctx, chunk)
}

// handleJSONMessage routes JSON messages
func (c *Client) handleJSONMessage(ctx context.Context, conn *websocket.Conn, data []byte) {
	e, err := protocol.DecodeEvent(data)
	if err != nil {
		c.dropMalformed(ctx, "json", err)
		return
	}

	switch e.Type {
	case protocol.TypePong:
		c.missed.Store(0)
		rtt := time.Since(e.Time())
		if rtt >= 0 {
			c.rtt.Store(int64(rtt))
			c.metrics.RecordRTT(ctx, rtt)
		}

	case protocol.TypePing:
		if err := c.writeEvent(conn, protocol.Pong(e)); err != nil {
			c.logger.Debug("pong failed", "error", err)
		}

	case protocol.TypeAudioChunk:
		c.deliverChunk(ctx, e.Chunk())

	case protocol.TypeSessionStarted:
		c.logger.Info("session acknowledged")
		c.deliverEvent(ctx, e)

	default:
		c.deliverEvent(ctx, e)
	}
}

func (c *Client) dropMalformed(ctx context.Context, kind string, err error) {
	c.malformed.Add(1)
	c.metrics.ProtocolError(ctx, kind)
	c.logger.Warn("dropping inbound message", "kind", kind, "error", err)
}

func (c *Client) deliverChunk(ctx context.Context, chunk protocol.AudioChunk) {
	select {
	case c.chunks <- chunk:
	case <-ctx.Done():
	}
}

func (c *Client) deliverEvent(ctx context.Context, e protocol.Event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}

// sendLoop drains the outbound queue while this connection is up. Frames
// and control events go out in queue order.
func (c *Client) sendLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		entry, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				// Nothing more to send; keep the connection for inbound audio
				<-ctx.Done()
				return ctx.Err()
			}
			return err
		}

		if entry.IsEvent() {
			if err := c.writeEvent(conn, *entry.Event); err != nil {
				// Resent first on the next connection
				c.queue.Requeue(entry)
				return fmt.Errorf("send %s: %w", entry.Event.Type, err)
			}
			c.logger.Debug("control event sent", "type", entry.Event.Type, "latency", time.Since(entry.EnqueuedAt))
			continue
		}

		if err := c.write(conn, websocket.BinaryMessage, entry.Frame.Data); err != nil {
			c.lost.Add(1)
			c.metrics.FrameDropped(ctx, "send")
			c.logger.Warn("frame send failed", "seq", entry.Frame.Seq, "error", err)
			return fmt.Errorf("send frame %d: %w", entry.Frame.Seq, err)
		}

		n := c.sent.Add(1)
		c.metrics.FrameSent(ctx)
		if n%sendLogEvery == 0 {
			c.logger.Debug("frames sent",
				"count", n,
				"queued", c.queue.Len(),
				"latency", time.Since(entry.EnqueuedAt))
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	if c.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if int(c.missed.Add(1)) > c.cfg.HeartbeatMisses {
				return fmt.Errorf("%w: %d pings unanswered", errHeartbeatTimeout, c.cfg.HeartbeatMisses)
			}
			if err := c.writeEvent(conn, protocol.Ping(time.Now())); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

// SendEvent sends a control event on the current connection, ahead of any
// queued frames. Use the queue's EnqueueEvent for events that must follow
// the audio already captured.
func (c *Client) SendEvent(e protocol.Event) error {
	if c.closing.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	return c.writeEvent(conn, e)
}

func (c *Client) writeEvent(conn *websocket.Conn, e protocol.Event) error {
	data, err := protocol.EncodeEvent(e)
	if err != nil {
		return err
	}
	return c.write(conn, websocket.TextMessage, data)
}

func (c *Client) write(conn *websocket.Conn, mt int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(mt, data)
}

// Close ends the session with a normal closure and stops reconnecting
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.doneIfStarted()
		return nil
	}

	c.mu.Lock()
	conn, state, started := c.conn, c.state, c.started
	c.mu.Unlock()

	if conn != nil && state == Connected {
		if err := c.writeEvent(conn, protocol.SessionEnd(c.cfg.SessionID)); err != nil {
			c.logger.Debug("session-end failed", "error", err)
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("close frame failed", "error", err)
		}
	}

	c.cancel()
	if started {
		<-c.done
	}
	c.setState(Closed)
	c.logger.Info("connection closed")
	return nil
}

func (c *Client) doneIfStarted() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("state change", "from", prev.String(), "to", s.String())
	select {
	case c.states <- s:
	default:
		c.logger.Warn("state channel full, dropping update", "state", s.String())
	}
}
