// ABOUTME: Per-sequence reassembly buffers with staleness sweeping
// ABOUTME: Emits Begun, Completed and Discarded notices
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/clock"
	"github.com/Resonate-Protocol/voicelink/internal/observe"
	"github.com/Resonate-Protocol/voicelink/internal/protocol"
)

// DefaultStaleAfter is how long a buffer may sit idle before it is dropped
const DefaultStaleAfter = 5 * time.Second

const defaultRemember = 256

var (
	// ErrDuplicateChunk means a chunk index arrived twice; the buffer is dropped
	ErrDuplicateChunk = errors.New("duplicate chunk index")

	// ErrStale means the chunk belongs to a sequence that already finished
	ErrStale = errors.New("stale sequence")

	// ErrRemoteFailure marks buffers dropped because the backend reported an error
	ErrRemoteFailure = errors.New("remote synthesis failed")
)

// Discard reasons
const (
	ReasonDuplicate   = "duplicate"
	ReasonMalformed   = "malformed"
	ReasonStale       = "stale"
	ReasonRemote      = "remote"
	ReasonInterrupted = "interrupted"
	ReasonReconnected = "reconnected"
)

// Utterance is a fully reassembled reply
type Utterance struct {
	Seq    uint64
	PCM    []byte
	Chunks int
}

// NoticeKind identifies a reassembly outcome
type NoticeKind int

const (
	Begun NoticeKind = iota
	Completed
	Discarded
)

func (k NoticeKind) String() string {
	switch k {
	case Begun:
		return "begun"
	case Completed:
		return "completed"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Notice reports a change to one sequence
type Notice struct {
	Kind      NoticeKind
	Seq       uint64
	Utterance Utterance // set for Completed
	Reason    string    // set for Discarded
}

// Config holds reassembler settings
type Config struct {
	StaleAfter time.Duration
	// Remember bounds how many finished sequences are tracked to reject late chunks
	Remember int
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *observe.Metrics
}

type buffer struct {
	seq      uint64
	chunks   map[uint32][]byte
	size     int
	maxIndex int64
	lastMark int64 // index flagged isLast, -1 if none
	total    int   // from tts-complete, 0 if unknown
	touched  time.Time
}

// Reassembler holds the active buffers keyed by sequence
type Reassembler struct {
	staleAfter time.Duration
	remember   int
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observe.Metrics

	mu      sync.Mutex
	buffers map[uint64]*buffer
	// finished maps a remembered sequence to whether a late chunk for it
	// has been reported
	finished map[uint64]bool
	order    []uint64
	stale    uint64
}

// New creates an empty reassembler
func New(cfg Config) *Reassembler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Remember <= 0 {
		cfg.Remember = defaultRemember
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reassembler{
		staleAfter: cfg.StaleAfter,
		remember:   cfg.Remember,
		clock:      clock.OrReal(cfg.Clock),
		logger:     cfg.Logger.With("component", "reassembly"),
		metrics:    cfg.Metrics,
		buffers:    make(map[uint64]*buffer),
		finished:   make(map[uint64]bool),
	}
}

// Begin registers a sequence announced by tts-start before its first chunk
func (r *Reassembler) Begin(seq uint64) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.finished[seq]; done {
		r.rejectLocked(seq, "announcement")
		return nil
	}
	var out []Notice
	r.bufferLocked(seq, &out)
	return out
}

// OnChunk inserts one chunk
func (r *Reassembler) OnChunk(c protocol.AudioChunk) ([]Notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.finished[c.Sequence]; done {
		r.rejectLocked(c.Sequence, "chunk")
		return nil, fmt.Errorf("%w: sequence %d", ErrStale, c.Sequence)
	}

	var out []Notice
	b := r.bufferLocked(c.Sequence, &out)
	idx := int64(c.Index)

	if _, dup := b.chunks[c.Index]; dup {
		r.discardLocked(b, ReasonDuplicate, &out)
		return out, fmt.Errorf("%w: sequence %d index %d", ErrDuplicateChunk, c.Sequence, c.Index)
	}
	if b.total > 0 && idx >= int64(b.total) {
		r.discardLocked(b, ReasonMalformed, &out)
		return out, fmt.Errorf("%w: index %d beyond total %d", protocol.ErrMalformed, c.Index, b.total)
	}
	if c.IsLast && b.lastMark >= 0 && b.lastMark != idx {
		r.discardLocked(b, ReasonMalformed, &out)
		return out, fmt.Errorf("%w: sequence %d flagged last at %d and %d", protocol.ErrMalformed, c.Sequence, b.lastMark, idx)
	}

	payload := make([]byte, len(c.Payload))
	copy(payload, c.Payload)
	b.chunks[c.Index] = payload
	b.size += len(payload)
	b.touched = r.clock.Now()
	if idx > b.maxIndex {
		b.maxIndex = idx
	}
	if c.IsLast {
		b.lastMark = idx
	}

	r.tryCompleteLocked(b, &out)
	return out, nil
}

// OnComplete records the chunk count reported by tts-complete
func (r *Reassembler) OnComplete(seq uint64, total int) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.finished[seq]; done {
		return nil
	}

	var out []Notice
	b := r.bufferLocked(seq, &out)
	switch {
	case total <= 0:
		r.discardLocked(b, ReasonMalformed, &out)
	case b.maxIndex >= int64(total):
		r.discardLocked(b, ReasonMalformed, &out)
	default:
		b.total = total
		b.touched = r.clock.Now()
		r.tryCompleteLocked(b, &out)
	}
	return out
}

// Fail drops a sequence the backend reported as failed
func (r *Reassembler) Fail(seq uint64) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.finished[seq]; done {
		return nil
	}
	var out []Notice
	b, ok := r.buffers[seq]
	if !ok {
		b = &buffer{seq: seq, chunks: map[uint32][]byte{}, maxIndex: -1, lastMark: -1}
	}
	r.discardLocked(b, ReasonRemote, &out)
	return out
}

// Sweep drops buffers idle for longer than the staleness window
func (r *Reassembler) Sweep(now time.Time) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notice
	for _, seq := range r.sortedLocked() {
		b := r.buffers[seq]
		if now.Sub(b.touched) > r.staleAfter {
			r.discardLocked(b, ReasonStale, &out)
		}
	}
	return out
}

// Reset drops every active buffer, for example when playback is interrupted
func (r *Reassembler) Reset() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notice
	for _, seq := range r.sortedLocked() {
		r.discardLocked(r.buffers[seq], ReasonInterrupted, &out)
	}
	return out
}

// Restart drops every active buffer and forgets finished sequences, for a
// backend that numbers replies afresh on a new connection
func (r *Reassembler) Restart() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notice
	for _, seq := range r.sortedLocked() {
		r.discardLocked(r.buffers[seq], ReasonReconnected, &out)
	}
	clear(r.finished)
	r.order = r.order[:0]
	r.logger.Info("sequence tracking restarted", "discarded", len(out))
	return out
}

// Stale returns how many chunks and announcements were rejected because
// their sequence had already finished
func (r *Reassembler) Stale() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

// Run sweeps on every tick until ctx is done, passing notices to handle
func (r *Reassembler) Run(ctx context.Context, interval time.Duration, handle func(Notice)) {
	if interval <= 0 {
		interval = r.staleAfter / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range r.Sweep(r.clock.Now()) {
				handle(n)
			}
		}
	}
}

// Active returns the number of sequences being assembled
func (r *Reassembler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

func (r *Reassembler) bufferLocked(seq uint64, out *[]Notice) *buffer {
	if b, ok := r.buffers[seq]; ok {
		return b
	}
	b := &buffer{
		seq:      seq,
		chunks:   make(map[uint32][]byte),
		maxIndex: -1,
		lastMark: -1,
		touched:  r.clock.Now(),
	}
	r.buffers[seq] = b
	*out = append(*out, Notice{Kind: Begun, Seq: seq})
	r.logger.Debug("reply started", "seq", seq)
	return b
}

func (r *Reassembler) tryCompleteLocked(b *buffer, out *[]Notice) {
	end := int64(-1)
	switch {
	case b.total > 0:
		end = int64(b.total) - 1
	case b.lastMark >= 0:
		// The last flag may arrive before higher indices; wait for every
		// index up to the highest seen
		end = b.maxIndex
	default:
		return
	}
	if int64(len(b.chunks)) != end+1 {
		return
	}

	pcm := make([]byte, 0, b.size)
	for i := int64(0); i <= end; i++ {
		pcm = append(pcm, b.chunks[uint32(i)]...)
	}

	r.finishLocked(b.seq)
	*out = append(*out, Notice{
		Kind:      Completed,
		Seq:       b.seq,
		Utterance: Utterance{Seq: b.seq, PCM: pcm, Chunks: len(b.chunks)},
	})
	r.logger.Info("reply reassembled", "seq", b.seq, "chunks", len(b.chunks), "bytes", len(pcm))
}

func (r *Reassembler) discardLocked(b *buffer, reason string, out *[]Notice) {
	r.finishLocked(b.seq)
	*out = append(*out, Notice{Kind: Discarded, Seq: b.seq, Reason: reason})
	r.metrics.ReplyDiscarded(context.Background(), reason)
	r.logger.Warn("reply discarded",
		"seq", b.seq,
		"reason", reason,
		"chunks", len(b.chunks))
}

// rejectLocked counts traffic for a finished sequence. The first rejection
// per sequence is logged at Warn since it usually means the backend reused
// a sequence number.
func (r *Reassembler) rejectLocked(seq uint64, what string) {
	r.stale++
	r.metrics.ProtocolError(context.Background(), "stale")
	if r.finished[seq] {
		r.logger.Debug("ignoring late "+what, "seq", seq)
		return
	}
	r.finished[seq] = true
	r.logger.Warn("rejecting "+what+" for finished sequence", "seq", seq, "rejected", r.stale)
}

// finishLocked removes the buffer and remembers the sequence
func (r *Reassembler) finishLocked(seq uint64) {
	delete(r.buffers, seq)
	if _, ok := r.finished[seq]; ok {
		return
	}
	r.finished[seq] = false
	r.order = append(r.order, seq)
	if len(r.order) > r.remember {
		delete(r.finished, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Reassembler) sortedLocked() []uint64 {
	seqs := make([]uint64, 0, len(r.buffers))
	for seq := range r.buffers {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
