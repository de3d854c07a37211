// ABOUTME: Bounded drop-oldest queue between frame capture and network send
// ABOUTME: Enqueue never blocks; Dequeue waits for a frame, cancellation or close
// Package queue implements the outbound audio queue.
//
// The capture path runs on the audio device's clock and must never wait on
// the network, so Enqueue always succeeds: when the queue is full the oldest
// frame is evicted and counted. Survivors keep their relative order.
//
// Control events ride the same queue so they reach the backend behind the
// frames they refer to. They are only evicted when nothing but control
// events is queued.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/observe"
	"github.com/Resonate-Protocol/voicelink/internal/protocol"
	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

// DefaultCapacity holds about four seconds of 200ms frames
const DefaultCapacity = 20

// ErrClosed is returned by Dequeue once the queue is closed and empty
var ErrClosed = errors.New("queue closed")

// Entry is a frame or control event waiting to be sent. Event is nil for
// audio frames.
type Entry struct {
	Frame      audio.Frame
	Event      *protocol.Event
	EnqueuedAt time.Time
}

// IsEvent reports whether the entry carries a control event
func (e Entry) IsEvent() bool { return e.Event != nil }

// Config holds queue settings
type Config struct {
	Capacity int
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observe.Metrics
}

// Queue is a fixed-capacity FIFO ring buffer
type Queue struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	buf     []Entry
	head    int
	size    int
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a queue. Capacity below 1 uses DefaultCapacity.
func New(cfg Config) *Queue {
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		now:     cfg.Now,
		logger:  cfg.Logger.With("component", "queue"),
		metrics: cfg.Metrics,
		buf:     make([]Entry, cfg.Capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue appends a frame, evicting the oldest frame when full. It reports
// whether an entry was evicted. Frames offered after Close are discarded.
func (q *Queue) Enqueue(f audio.Frame) bool {
	return q.push(Entry{Frame: f}, false)
}

// EnqueueEvent appends a control event behind the queued frames. It reports
// whether an entry was evicted to make room.
func (q *Queue) EnqueueEvent(e protocol.Event) bool {
	return q.push(Entry{Event: &e}, false)
}

// Requeue puts an entry back at the head, for a control event whose send
// failed. It reports whether an entry was evicted to make room.
func (q *Queue) Requeue(e Entry) bool {
	return q.push(e, true)
}

func (q *Queue) push(e Entry, front bool) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	evicted := false
	var lost Entry
	if q.size == len(q.buf) {
		lost = q.evictLocked()
		q.dropped++
		evicted = true
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	if front {
		q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
		q.buf[q.head] = e
	} else {
		q.buf[(q.head+q.size)%len(q.buf)] = e
	}
	q.size++
	dropped := q.dropped
	q.mu.Unlock()

	ctx := context.Background()
	if evicted {
		if lost.IsEvent() {
			q.logger.Warn("queue full of control events, dropped oldest",
				"event", lost.Event.Type,
				"dropped", dropped)
		} else {
			q.logger.Warn("queue full, dropped oldest frame",
				"seq", lost.Frame.Seq,
				"age", q.now().Sub(lost.EnqueuedAt),
				"dropped", dropped)
		}
		q.metrics.FrameDropped(ctx, "overflow")
	} else {
		q.metrics.QueueDelta(ctx, 1)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// evictLocked removes the oldest frame, or the oldest entry when only
// control events are queued
func (q *Queue) evictLocked() Entry {
	for k := 0; k < q.size; k++ {
		if !q.buf[(q.head+k)%len(q.buf)].IsEvent() {
			return q.removeLocked(k)
		}
	}
	return q.removeLocked(0)
}

// removeLocked takes out the entry k places behind the head
func (q *Queue) removeLocked(k int) Entry {
	n := len(q.buf)
	e := q.buf[(q.head+k)%n]
	for ; k < q.size-1; k++ {
		q.buf[(q.head+k)%n] = q.buf[(q.head+k+1)%n]
	}
	q.buf[(q.head+q.size-1)%n] = Entry{}
	q.size--
	return e
}

// Dequeue removes the oldest entry, waiting until one is available. It
// returns ctx.Err() on cancellation and ErrClosed once the queue is closed
// and empty.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			e := q.popLocked()
			more := q.size > 0
			q.mu.Unlock()
			q.metrics.QueueDelta(ctx, -1)
			if more {
				// Pass the wakeup on to another waiter
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return e, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Entry{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// TryDequeue removes the oldest entry without waiting
func (q *Queue) TryDequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Entry{}, false
	}
	e := q.popLocked()
	q.metrics.QueueDelta(context.Background(), -1)
	return e, true
}

func (q *Queue) popLocked() Entry {
	e := q.buf[q.head]
	q.buf[q.head] = Entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return e
}

// Close stops accepting frames and wakes blocked Dequeue calls. With
// discard set, queued entries are dropped; otherwise they remain available
// to Dequeue until drained.
func (q *Queue) Close(discard bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	n := 0
	if discard {
		n = len(q.drainLocked())
	}
	q.mu.Unlock()

	close(q.done)
	if n > 0 {
		q.logger.Info("discarded queued frames on close", "frames", n)
		q.metrics.QueueDelta(context.Background(), -int64(n))
	}
}

// Drain removes and returns every queued entry in order
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	out := q.drainLocked()
	q.mu.Unlock()
	q.metrics.QueueDelta(context.Background(), -int64(len(out)))
	return out
}

func (q *Queue) drainLocked() []Entry {
	out := make([]Entry, 0, q.size)
	for q.size > 0 {
		out = append(out, q.popLocked())
	}
	return out
}

// Snapshot returns a copy of the queued entries in order
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many entries have been evicted
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
