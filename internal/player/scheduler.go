// ABOUTME: Sequence-ordered playback scheduler for synthesized replies
// ABOUTME: Plays one reply at a time, never out of order, and supports interruption
package player

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/observe"
	"github.com/Resonate-Protocol/voicelink/internal/reassembly"
	"github.com/Resonate-Protocol/voicelink/pkg/audio"
	"github.com/Resonate-Protocol/voicelink/pkg/audio/output"
)

// DefaultSegment is how much audio is written between interruption checks
const DefaultSegment = 40 * time.Millisecond

// Config holds scheduler settings
type Config struct {
	Sink   output.Sink
	Format audio.Format

	// SegmentBytes is the write size; zero means DefaultSegment of audio
	SegmentBytes int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Result reports the end of one reply's playback
type Result struct {
	Seq         uint64
	Bytes       int
	Interrupted bool
	Err         error
}

// SchedulerStats tracks scheduler metrics
type SchedulerStats struct {
	Delivered   int64
	Played      int64
	Dropped     int64
	Cancelled   int64
	Interrupted int64
	Ready       int
	Expected    int
}

// Scheduler plays completed replies in sequence order
type Scheduler struct {
	sink         output.Sink
	format       audio.Format
	segmentBytes int
	logger       *slog.Logger
	metrics      *observe.Metrics

	mu       sync.Mutex
	bufferQ  *BufferQueue
	expected map[uint64]struct{}
	floor    uint64 // sequences at or below are never played
	hasFloor bool
	// epoch counts Restart calls; sequences are only compared within one
	epoch    uint64
	current  uint64
	curEpoch uint64
	stopCur  context.CancelFunc
	stats    SchedulerStats

	playing atomic.Bool
	wake    chan struct{}
	results chan Result
}

// NewScheduler creates a playback scheduler
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Sink == nil {
		cfg.Sink = output.Discard{}
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.PCM16Mono(audio.DefaultPlaybackRate)
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = cfg.Format.FrameBytes(DefaultSegment)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		sink:         cfg.Sink,
		format:       cfg.Format,
		segmentBytes: cfg.SegmentBytes,
		logger:       cfg.Logger.With("component", "player"),
		metrics:      cfg.Metrics,
		bufferQ:      NewBufferQueue(),
		expected:     make(map[uint64]struct{}),
		wake:         make(chan struct{}, 1),
		results:      make(chan Result, 16),
	}
}

// Results delivers one Result per reply that started playing
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// Expect marks a sequence as announced so later sequences wait for it
func (s *Scheduler) Expect(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.belowFloorLocked(seq) {
		return
	}
	s.expected[seq] = struct{}{}
}

// Deliver hands over a completed reply. It reports false when the reply is
// dropped because a later sequence already played or it was interrupted.
func (s *Scheduler) Deliver(u reassembly.Utterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.expected, u.Seq)

	if s.belowFloorLocked(u.Seq) || s.bufferQ.Contains(s.epoch, u.Seq) {
		s.stats.Dropped++
		s.logger.Warn("dropping reply out of order", "seq", u.Seq, "floor", s.floor)
		return false
	}

	heap.Push(s.bufferQ, queued{epoch: s.epoch, u: u})
	s.stats.Delivered++
	s.signal()
	return true
}

// Cancel resolves a sequence that will never be delivered, or stops it if
// it is playing
func (s *Scheduler) Cancel(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, wasExpected := s.expected[seq]
	delete(s.expected, seq)
	removed := s.bufferQ.Remove(s.epoch, seq)

	if s.playing.Load() && s.current == seq && s.curEpoch == s.epoch && s.stopCur != nil {
		s.stopCur()
		removed = true
	}
	if wasExpected || removed {
		s.stats.Cancelled++
	}
	s.signal()
}

// Interrupt stops current playback and discards every pending reply
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	high := s.floor
	for seq := range s.expected {
		high = max(high, seq)
	}
	for _, q := range s.bufferQ.items {
		if q.epoch == s.epoch {
			high = max(high, q.u.Seq)
		}
	}

	pending := len(s.expected) + s.bufferQ.Len()
	playing := s.playing.Load()
	if pending == 0 && !playing {
		return
	}

	s.raiseFloorLocked(high)
	clear(s.expected)
	s.bufferQ.Clear()
	if playing && s.stopCur != nil {
		s.stopCur()
	}
	s.stats.Interrupted++
	s.logger.Info("playback interrupted", "playing", playing, "discarded", pending, "floor", s.floor)
}

// Restart starts a new sequence numbering, for a backend that counts
// replies from the start again on a new connection. Announcements of the
// old numbering are dropped. Replies already complete still play, ahead of
// anything from the new numbering.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := len(s.expected)
	s.stats.Cancelled += int64(dropped)
	clear(s.expected)
	s.epoch++
	s.floor = 0
	s.hasFloor = false
	s.logger.Info("sequence numbering restarted", "epoch", s.epoch, "ready", s.bufferQ.Len(), "announced_dropped", dropped)
	s.signal()
}

// IsPlaying reports whether a reply is being written to the sink
func (s *Scheduler) IsPlaying() bool {
	return s.playing.Load()
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Ready = s.bufferQ.Len()
	st.Expected = len(s.expected)
	return st
}

// Run plays replies until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		u, pctx, ok := s.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}
		s.play(ctx, pctx, u)
	}
}

// next pops the lowest ready reply unless an earlier one is still expected.
// On success the scheduler is marked as playing it and the returned context
// is cancelled by Interrupt or Cancel.
func (s *Scheduler) next(ctx context.Context) (reassembly.Utterance, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bufferQ.Len() == 0 {
		return reassembly.Utterance{}, nil, false
	}
	top := s.bufferQ.peek()
	if top.epoch == s.epoch {
		for seq := range s.expected {
			if seq < top.u.Seq {
				return reassembly.Utterance{}, nil, false
			}
		}
		s.raiseFloorLocked(top.u.Seq)
	}

	heap.Pop(s.bufferQ)
	s.current = top.u.Seq
	s.curEpoch = top.epoch
	s.playing.Store(true)

	pctx, cancel := context.WithCancel(ctx)
	s.stopCur = cancel
	return top.u, pctx, true
}

func (s *Scheduler) play(ctx, pctx context.Context, u reassembly.Utterance) {
	s.logger.Info("playing reply", "seq", u.Seq, "bytes", len(u.PCM), "duration", s.format.Duration(len(u.PCM)))

	res := Result{Seq: u.Seq}
	for off := 0; off < len(u.PCM); off += s.segmentBytes {
		if pctx.Err() != nil {
			break
		}
		end := min(off+s.segmentBytes, len(u.PCM))
		if err := s.sink.Write(pctx, u.PCM[off:end]); err != nil {
			if pctx.Err() == nil {
				res.Err = err
				s.logger.Error("playback write failed", "seq", u.Seq, "error", err)
			}
			break
		}
		res.Bytes = end
	}
	res.Interrupted = pctx.Err() != nil

	s.mu.Lock()
	if s.stopCur != nil {
		s.stopCur()
		s.stopCur = nil
	}
	s.playing.Store(false)
	if res.Err == nil && !res.Interrupted {
		s.stats.Played++
	}
	s.mu.Unlock()

	if res.Err == nil && !res.Interrupted {
		s.metrics.ReplyPlayed(ctx)
	}

	select {
	case s.results <- res:
	default:
		s.logger.Warn("result channel full, dropping playback result", "seq", u.Seq)
	}
}

func (s *Scheduler) belowFloorLocked(seq uint64) bool {
	return s.hasFloor && seq <= s.floor
}

func (s *Scheduler) raiseFloorLocked(seq uint64) {
	if !s.hasFloor || seq > s.floor {
		s.floor = seq
		s.hasFloor = true
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type queued struct {
	epoch uint64
	u     reassembly.Utterance
}

// BufferQueue is a priority queue of replies ordered by epoch, then sequence
type BufferQueue struct {
	items []queued
}

func NewBufferQueue() *BufferQueue {
	q := &BufferQueue{}
	heap.Init(q)
	return q
}

// Implement heap.Interface
func (q *BufferQueue) Len() int { return len(q.items) }

func (q *BufferQueue) Less(i, j int) bool {
	if q.items[i].epoch != q.items[j].epoch {
		return q.items[i].epoch < q.items[j].epoch
	}
	return q.items[i].u.Seq < q.items[j].u.Seq
}

func (q *BufferQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *BufferQueue) Push(x any) {
	q.items = append(q.items, x.(queued))
}

func (q *BufferQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func (q *BufferQueue) peek() queued {
	return q.items[0]
}

// Contains reports whether seq is queued in epoch
func (q *BufferQueue) Contains(epoch, seq uint64) bool {
	for _, it := range q.items {
		if it.epoch == epoch && it.u.Seq == seq {
			return true
		}
	}
	return false
}

// Remove drops seq of epoch from the queue, reporting whether it was present
func (q *BufferQueue) Remove(epoch, seq uint64) bool {
	for i, it := range q.items {
		if it.epoch == epoch && it.u.Seq == seq {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}

// Clear empties the queue
func (q *BufferQueue) Clear() {
	q.items = q.items[:0]
}
