// ABOUTME: Debounced utterance timer with Idle and Armed states
// ABOUTME: Emits Started and Ended events on a buffered channel
package utterance

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/clock"
)

// DefaultSilence is how long silence must last before an utterance ends
const DefaultSilence = 3 * time.Second

const eventBuffer = 16

// State is the timer state
type State int

const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	default:
		return "unknown"
	}
}

// Kind identifies an utterance event
type Kind int

const (
	Started Kind = iota
	Ended
)

func (k Kind) String() string {
	if k == Started {
		return "started"
	}
	return "ended"
}

// Session describes one utterance. Fields are copied into events so
// receivers never share state with the timer.
type Session struct {
	ID           uint64
	StartedAt    time.Time
	LastSpeechAt time.Time
	EndedAt      time.Time
	Closed       bool
	Frames       int // speech frames observed
	Forced       bool
}

// Duration is the time from the first to the last speech frame
func (s Session) Duration() time.Duration {
	return s.LastSpeechAt.Sub(s.StartedAt)
}

// Event is emitted when an utterance opens or closes
type Event struct {
	Kind    Kind
	Session Session
}

// Config holds timer settings
type Config struct {
	Silence time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Timer is the debounced end-of-utterance detector
type Timer struct {
	silence time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	current Session
	nextID  uint64
	pending clock.Timer
	gen     uint64
	stopped bool

	events chan Event
}

// New creates an idle timer
func New(cfg Config) *Timer {
	if cfg.Silence <= 0 {
		cfg.Silence = DefaultSilence
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Timer{
		silence: cfg.Silence,
		clock:   clock.OrReal(cfg.Clock),
		logger:  cfg.Logger.With("component", "utterance"),
		events:  make(chan Event, eventBuffer),
	}
}

// Events returns the channel of utterance events. It is closed by Stop.
func (t *Timer) Events() <-chan Event {
	return t.events
}

// Observe feeds one VAD decision. Silent frames never touch the countdown.
func (t *Timer) Observe(isSpeech bool) {
	if !isSpeech {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	now := t.clock.Now()

	if t.state == Idle {
		t.nextID++
		t.current = Session{ID: t.nextID, StartedAt: now}
		t.state = Armed
		t.current.LastSpeechAt = now
		t.current.Frames = 1
		t.armLocked()
		t.logger.Debug("utterance started", "utterance", t.current.ID)
		t.emitLocked(Event{Kind: Started, Session: t.current})
		return
	}

	t.current.LastSpeechAt = now
	t.current.Frames++
	t.armLocked()
}

// ForceEnd closes the open utterance immediately. Reports whether one was open.
func (t *Timer) ForceEnd() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.state != Armed {
		return false
	}
	t.current.Forced = true
	t.endLocked()
	return true
}

// State returns the current state
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Current returns the open utterance, if any
func (t *Timer) Current() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Armed {
		return Session{}, false
	}
	return t.current, true
}

// Stop cancels the countdown and closes the event channel. An open
// utterance is abandoned without an Ended event.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.state = Idle
	close(t.events)
}

// armLocked (re)starts the countdown. Any callback from an earlier arming
// sees a stale generation and does nothing.
func (t *Timer) armLocked() {
	if t.pending != nil {
		t.pending.Stop()
	}
	t.gen++
	gen := t.gen
	t.pending = t.clock.AfterFunc(t.silence, func() {
		t.expire(gen)
	})
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || gen != t.gen || t.state != Armed {
		return
	}
	t.endLocked()
}

func (t *Timer) endLocked() {
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.current.EndedAt = t.clock.Now()
	t.current.Closed = true
	t.state = Idle

	t.logger.Info("utterance ended",
		"utterance", t.current.ID,
		"frames", t.current.Frames,
		"speech", t.current.Duration(),
		"forced", t.current.Forced)
	t.emitLocked(Event{Kind: Ended, Session: t.current})
}

func (t *Timer) emitLocked(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("utterance event channel full, dropping event",
			"kind", ev.Kind.String(), "utterance", ev.Session.ID)
	}
}
