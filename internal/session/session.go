// ABOUTME: Voice session orchestration
// ABOUTME: Runs the capture, inbound and playback loops under one errgroup
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Resonate-Protocol/voicelink/internal/client"
	"github.com/Resonate-Protocol/voicelink/internal/clock"
	"github.com/Resonate-Protocol/voicelink/internal/observe"
	"github.com/Resonate-Protocol/voicelink/internal/player"
	"github.com/Resonate-Protocol/voicelink/internal/protocol"
	"github.com/Resonate-Protocol/voicelink/internal/queue"
	"github.com/Resonate-Protocol/voicelink/internal/reassembly"
	"github.com/Resonate-Protocol/voicelink/internal/utterance"
	"github.com/Resonate-Protocol/voicelink/pkg/audio"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/capture"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/output"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/resample"
	"github.com/Resonate-Protocol/voicelink/pkg/vad"
)

const eventBuffer = 256

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("session already started")

	// ErrUnsupportedSource is returned for capture sources that are not mono PCM16
	ErrUnsupportedSource = errors.New("unsupported capture format")
)

// Deps are the collaborators a session drives
type Deps struct {
	Source  capture.Source
	Sink    output.Sink
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Stats is a snapshot of session activity
type Stats struct {
	Captured     uint64
	Speech       uint64
	Queued       int
	Dropped      uint64
	Utterance    utterance.State
	Reassembling int
	Stale        uint64
	Transport    client.Stats
	Playback     player.SchedulerStats
}

// Session is one full-duplex voice conversation
type Session struct {
	cfg     Config
	source  capture.Source
	logger  *slog.Logger
	metrics *observe.Metrics

	wire      audio.Format
	resampler *resample.Resampler
	chunker   *audio.Chunker
	detector  vad.Detector
	timer     *utterance.Timer
	queue     *queue.Queue
	client    *client.Client
	reasm     *reassembly.Reassembler
	scheduler *player.Scheduler

	events chan Event

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	closeOnce sync.Once
	closing   atomic.Bool

	captured atomic.Uint64
	speech   atomic.Uint64
}

// New wires a session. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Session, error) {
	cfg.applyDefaults()

	if deps.Source == nil {
		return nil, fmt.Errorf("session: capture source is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	clk := clock.OrReal(deps.Clock)

	in := deps.Source.Format()
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if in.Channels != 1 || in.BitDepth != audio.BitDepth16 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, in)
	}

	wire := audio.PCM16Mono(cfg.WireRate)
	chunker, err := audio.NewChunker(wire, cfg.FrameDuration)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	chunker.SetClock(clk.Now)

	var rs *resample.Resampler
	if in.SampleRate != wire.SampleRate {
		rs = resample.New(in.SampleRate, wire.SampleRate, 1)
	}

	logger := deps.Logger.With("component", "session")

	q := queue.New(queue.Config{
		Capacity: cfg.QueueCapacity,
		Now:      clk.Now,
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
	})

	playback := audio.PCM16Mono(cfg.PlaybackRate)
	segment := 0
	if cfg.Segment > 0 {
		segment = playback.FrameBytes(cfg.Segment)
	}

	s := &Session{
		cfg:       cfg,
		source:    deps.Source,
		logger:    logger,
		metrics:   deps.Metrics,
		wire:      wire,
		resampler: rs,
		chunker:   chunker,
		detector:  vad.New(cfg.Threshold),
		timer: utterance.New(utterance.Config{
			Silence: cfg.Silence,
			Clock:   clk,
			Logger:  deps.Logger,
		}),
		queue:  q,
		client: client.New(cfg.Client, q, deps.Logger, deps.Metrics),
		reasm: reassembly.New(reassembly.Config{
			StaleAfter: cfg.StaleAfter,
			Clock:      clk,
			Logger:     deps.Logger,
			Metrics:    deps.Metrics,
		}),
		scheduler: player.NewScheduler(player.Config{
			Sink:         deps.Sink,
			Format:       playback,
			SegmentBytes: segment,
			Logger:       deps.Logger,
			Metrics:      deps.Metrics,
		}),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	return s, nil
}

// Events delivers session events. It is closed once Close returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when every session loop has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionID returns the identifier sent to the backend
func (s *Session) SessionID() string {
	return s.client.SessionID()
}

// State returns the connection state
func (s *Session) State() client.State {
	return s.client.State()
}

// IsPlaying reports whether a reply is playing
func (s *Session) IsPlaying() bool {
	return s.scheduler.IsPlaying()
}

// Stats returns a snapshot of session activity
func (s *Session) Stats() Stats {
	return Stats{
		Captured:     s.captured.Load(),
		Speech:       s.speech.Load(),
		Queued:       s.queue.Len(),
		Dropped:      s.queue.Dropped(),
		Utterance:    s.timer.State(),
		Reassembling: s.reasm.Active(),
		Stale:        s.reasm.Stale(),
		Transport:    s.client.Stats(),
		Playback:     s.scheduler.Stats(),
	}
}

// FlushUtterance ends the open utterance now instead of waiting for
// silence. Reports whether one was open.
func (s *Session) FlushUtterance() bool {
	return s.timer.ForceEnd()
}

// Start connects to the backend and starts the session loops. A failed
// first connection is returned and the session is left unusable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.client.Connect(ctx); err != nil {
		s.timer.Stop()
		close(s.done)
		return fmt.Errorf("connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.captureLoop(gctx) })
	g.Go(func() error { return s.utteranceLoop(gctx) })
	g.Go(func() error { return s.inboundLoop(gctx, cancel) })
	g.Go(func() error { return s.resultLoop(gctx) })
	g.Go(func() error {
		if err := s.scheduler.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.reasm.Run(gctx, s.cfg.SweepInterval, s.handleNotice)
		return nil
	})

	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()

	s.logger.Info("session started",
		"session_id", s.client.SessionID(),
		"wire", s.wire.String(),
		"frame", s.cfg.FrameDuration,
		"silence", s.cfg.Silence)
	return nil
}

// Wait blocks until the session ends and returns the error that ended it
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops capture, discards unsent audio, ends the backend session,
// stops playback and waits for every loop to exit
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.mu.Lock()
		if !s.started {
			s.started = true
			close(s.done)
		}
		s.mu.Unlock()

		if err := s.source.Close(); err != nil {
			s.logger.Debug("capture close failed", "error", err)
		}
		s.queue.Close(true)
		if err := s.client.Close(); err != nil {
			s.logger.Debug("client close failed", "error", err)
		}
		s.scheduler.Interrupt()
		s.timer.Stop()

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-s.done

		close(s.events)
		s.logger.Info("session closed")
	})
	return s.Wait()
}

// captureLoop reads audio until the source ends
func (s *Session) captureLoop(ctx context.Context) error {
	in := s.source.Format()
	for {
		block, err := s.source.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, s.closing.Load():
				return nil
			case errors.Is(err, io.EOF):
				s.logger.Info("capture source ended", "frames", s.captured.Load())
				return nil
			default:
				return fmt.Errorf("capture: %w", err)
			}
		}

		if s.resampler != nil {
			block = audio.SamplesToBytes(s.resampler.Resample(audio.BytesToSamples(block)))
			in = s.wire
		}

		frames, err := s.chunker.Push(block, in)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		for _, f := range frames {
			s.processFrame(ctx, f)
		}
	}
}

// processFrame classifies one frame and forwards it while an utterance is open
func (s *Session) processFrame(ctx context.Context, f audio.Frame) {
	s.captured.Add(1)
	s.metrics.FrameCaptured(ctx)

	det := s.detector
	if s.cfg.PlaybackThresholdScale > 0 && s.scheduler.IsPlaying() {
		det = det.Scaled(s.cfg.PlaybackThresholdScale)
	}
	speech := det.Classify(f.Data)

	open := s.timer.State() == utterance.Armed
	s.timer.Observe(speech)
	if !speech && !open {
		return
	}
	if speech {
		s.speech.Add(1)
	}

	if evicted := s.queue.Enqueue(f); evicted {
		s.emit(Event{Kind: Warning, Err: fmt.Errorf("outbound queue full, oldest frame dropped")})
	}
}

// utteranceLoop reacts to utterance boundaries
func (s *Session) utteranceLoop(ctx context.Context) error {
	events := s.timer.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case utterance.Started:
				s.emit(Event{Kind: UtteranceStarted, Utterance: ev.Session})
				if s.cfg.Interruptible && s.scheduler.IsPlaying() {
					s.interrupt()
				}
			case utterance.Ended:
				s.metrics.UtteranceEnded(ctx, ev.Session.Forced)
				// Queued behind the utterance's frames so it survives a reconnect
				if evicted := s.queue.EnqueueEvent(protocol.UtteranceEnd(s.client.SessionID())); evicted {
					s.emit(Event{Kind: Warning, Err: fmt.Errorf("outbound queue full, oldest frame dropped")})
				}
				s.emit(Event{Kind: UtteranceEnded, Utterance: ev.Session})
			}
		}
	}
}

// interrupt stops the playing reply and drops everything still arriving
func (s *Session) interrupt() {
	s.logger.Info("speech during playback, interrupting reply")
	s.scheduler.Interrupt()
	for _, n := range s.reasm.Reset() {
		s.handleNotice(n)
	}
}

// inboundLoop routes backend traffic. It ends the session when the
// transport stops for good.
func (s *Session) inboundLoop(ctx context.Context, stop context.CancelFunc) error {
	var (
		reconnecting bool
		staleSeq     uint64
		staleSeen    bool
	)
	onState := func(st client.State) {
		switch st {
		case client.Reconnecting:
			reconnecting = true
		case client.Connected:
			if reconnecting {
				s.restartSequences()
				staleSeen = false
			}
			reconnecting = false
		}
		s.emit(Event{Kind: ConnectionChanged, State: st})
	}

	for {
		// A state change is published before any traffic from the new
		// connection, so handle it first
		select {
		case st := <-s.client.States():
			onState(st)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil

		case <-s.client.Done():
			select {
			case err := <-s.client.Errors():
				return fmt.Errorf("transport: %w", err)
			default:
			}
			s.logger.Info("backend ended the session")
			stop()
			return nil

		case err := <-s.client.Errors():
			return fmt.Errorf("transport: %w", err)

		case st := <-s.client.States():
			onState(st)

		case c := <-s.client.Chunks():
			notices, err := s.reasm.OnChunk(c)
			switch {
			case errors.Is(err, reassembly.ErrStale):
				if !staleSeen || staleSeq != c.Sequence {
					staleSeq, staleSeen = c.Sequence, true
					s.emit(Event{Kind: Warning, Seq: c.Sequence, Err: err})
				}
			case err != nil:
				s.emit(Event{Kind: Warning, Seq: c.Sequence, Err: err})
			}
			for _, n := range notices {
				s.handleNotice(n)
			}

		case e := <-s.client.Events():
			s.onEvent(e)
		}
	}
}

func (s *Session) onEvent(e protocol.Event) {
	var notices []reassembly.Notice

	switch e.Type {
	case protocol.TypePartialResult:
		s.emit(Event{Kind: PartialResult, Text: e.Text})
	case protocol.TypeFinalResult:
		s.emit(Event{Kind: FinalResult, Text: e.Text})
	case protocol.TypeError:
		s.emit(Event{Kind: RecognizerError, Text: e.Message, Err: errors.New(e.Message)})
	case protocol.TypeTTSStart:
		notices = s.reasm.Begin(e.Sequence())
	case protocol.TypeTTSComplete:
		notices = s.reasm.OnComplete(e.Sequence(), e.TotalChunks)
	case protocol.TypeTTSError:
		s.logger.Warn("backend reported synthesis failure", "seq", e.Sequence(), "message", e.Message)
		notices = s.reasm.Fail(e.Sequence())
	case protocol.TypeSessionStarted:
		s.logger.Debug("session acknowledged")
	default:
		s.logger.Debug("ignoring event", "type", e.Type)
	}

	for _, n := range notices {
		s.handleNotice(n)
	}
}

// restartSequences follows the backend onto a new connection, where reply
// numbering starts over. Replies in flight on the old link are dropped.
func (s *Session) restartSequences() {
	for _, n := range s.reasm.Restart() {
		s.handleNotice(n)
	}
	s.scheduler.Restart()
}

// handleNotice moves reassembly outcomes into the scheduler
func (s *Session) handleNotice(n reassembly.Notice) {
	switch n.Kind {
	case reassembly.Begun:
		s.scheduler.Expect(n.Seq)
		s.emit(Event{Kind: ReplyStarted, Seq: n.Seq})
	case reassembly.Completed:
		if !s.scheduler.Deliver(n.Utterance) {
			s.emit(Event{Kind: ReplyDiscarded, Seq: n.Seq, Reason: "superseded"})
		}
	case reassembly.Discarded:
		s.scheduler.Cancel(n.Seq)
		s.emit(Event{Kind: ReplyDiscarded, Seq: n.Seq, Reason: n.Reason})
	}
}

// resultLoop reports playback outcomes
func (s *Session) resultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-s.scheduler.Results():
			switch {
			case res.Err != nil:
				s.emit(Event{Kind: Warning, Seq: res.Seq, Bytes: res.Bytes, Err: fmt.Errorf("playback: %w", res.Err)})
			case res.Interrupted:
				s.emit(Event{Kind: ReplyDiscarded, Seq: res.Seq, Bytes: res.Bytes, Reason: reassembly.ReasonInterrupted})
			default:
				s.emit(Event{Kind: ReplyPlayed, Seq: res.Seq, Bytes: res.Bytes})
			}
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session event channel full, dropping event", "kind", ev.Kind.String())
	}
}
