// ABOUTME: Tests for the outbound frame queue
// ABOUTME: Tests ordering, eviction, blocking dequeue and close
package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/protocol"
	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

func frame(seq uint64) audio.Frame {
	return audio.Frame{Seq: seq, Data: []byte{byte(seq)}, Format: audio.PCM16Mono(audio.DefaultSampleRate)}
}

func seqs(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Frame.Seq
	}
	return out
}

func TestOverflowDropsOldest(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int
	}{
		{"one over", 20, 21},
		{"exact", 5, 5},
		{"many over", 3, 10},
		{"capacity one", 1, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(Config{Capacity: tt.capacity})

			drops := 0
			for i := 1; i <= tt.pushed; i++ {
				if q.Enqueue(frame(uint64(i))) {
					drops++
				}
			}

			wantDrops := tt.pushed - tt.capacity
			if wantDrops < 0 {
				wantDrops = 0
			}
			if drops != wantDrops || q.Dropped() != uint64(wantDrops) {
				t.Fatalf("expected %d drops, got %d (counter %d)", wantDrops, drops, q.Dropped())
			}

			got := seqs(q.Snapshot())
			if len(got) != tt.capacity && tt.pushed >= tt.capacity {
				t.Fatalf("expected %d entries, got %d", tt.capacity, len(got))
			}
			// Most recent frames in original order
			first := uint64(wantDrops + 1)
			for i, s := range got {
				if s != first+uint64(i) {
					t.Fatalf("unexpected order %v", got)
				}
			}
		})
	}
}

func TestEventsStayBehindTheirFrames(t *testing.T) {
	q := New(Config{Capacity: 4})

	q.Enqueue(frame(1))
	q.Enqueue(frame(2))
	q.EnqueueEvent(protocol.UtteranceEnd("s1"))
	q.Enqueue(frame(3))

	// Full: the oldest frames go, the event keeps its place
	if !q.Enqueue(frame(4)) {
		t.Fatal("expected eviction")
	}
	if !q.Enqueue(frame(5)) {
		t.Fatal("expected eviction")
	}

	got := q.Snapshot()
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	if !got[0].IsEvent() || got[0].Event.Type != protocol.TypeUtteranceEnd {
		t.Fatalf("expected utterance-end at the head, got %+v", got[0])
	}
	for i, want := range []uint64{3, 4, 5} {
		if e := got[i+1]; e.IsEvent() || e.Frame.Seq != want {
			t.Errorf("entry %d: expected frame %d, got %+v", i+1, want, e)
		}
	}
	if q.Dropped() != 2 {
		t.Errorf("expected 2 drops, got %d", q.Dropped())
	}
}

func TestEventsEvictedOnlyWhenNoFramesQueued(t *testing.T) {
	q := New(Config{Capacity: 2})
	q.EnqueueEvent(protocol.UtteranceEnd("a"))
	q.EnqueueEvent(protocol.UtteranceEnd("b"))

	if !q.Enqueue(frame(1)) {
		t.Fatal("expected eviction")
	}
	got := q.Snapshot()
	if len(got) != 2 || got[0].Event.SessionID != "b" || got[1].Frame.Seq != 1 {
		t.Errorf("unexpected entries %+v", got)
	}
}

func TestRequeuePutsEntryAtHead(t *testing.T) {
	q := New(Config{Capacity: 3})
	ctx := context.Background()

	q.EnqueueEvent(protocol.UtteranceEnd("s1"))
	q.Enqueue(frame(1))

	e, err := q.Dequeue(ctx)
	if err != nil || !e.IsEvent() {
		t.Fatalf("expected the event first, got %+v (%v)", e, err)
	}
	stamped := e.EnqueuedAt
	q.Requeue(e)

	again, err := q.Dequeue(ctx)
	if err != nil || !again.IsEvent() {
		t.Fatalf("expected the requeued event, got %+v (%v)", again, err)
	}
	if !again.EnqueuedAt.Equal(stamped) {
		t.Error("requeue changed the enqueue time")
	}
	if next, _ := q.Dequeue(ctx); next.Frame.Seq != 1 {
		t.Errorf("expected frame 1 after the event, got %+v", next)
	}
}

func TestDequeueFIFO(t *testing.T) {
	q := New(Config{Capacity: 4})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		q.Enqueue(frame(uint64(i)))
	}
	for i := 1; i <= 3; i++ {
		e, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if e.Frame.Seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, e.Frame.Seq)
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestEnqueueStampsTime(t *testing.T) {
	stamp := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	q := New(Config{Capacity: 2, Now: func() time.Time { return stamp }})

	q.Enqueue(frame(1))
	e, ok := q.TryDequeue()
	if !ok {
		t.Fatal("expected an entry")
	}
	if !e.EnqueuedAt.Equal(stamp) {
		t.Errorf("expected %v, got %v", stamp, e.EnqueuedAt)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Error("expected empty queue")
	}
}

func TestDequeueWaitsForEnqueue(t *testing.T) {
	q := New(Config{Capacity: 2})

	got := make(chan uint64, 1)
	go func() {
		e, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue: %v", err)
			return
		}
		got <- e.Frame.Seq
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(frame(7))

	select {
	case s := <-got:
		if s != 7 {
			t.Errorf("expected seq 7, got %d", s)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	q := New(Config{Capacity: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCloseKeepsEntriesUnlessDiscarded(t *testing.T) {
	ctx := context.Background()

	q := New(Config{Capacity: 4})
	q.Enqueue(frame(1))
	q.Enqueue(frame(2))
	q.Close(false)

	if q.Enqueue(frame(3)) {
		t.Error("enqueue after close must not evict")
	}
	for i := 1; i <= 2; i++ {
		e, err := q.Dequeue(ctx)
		if err != nil || e.Frame.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d (%v)", i, e.Frame.Seq, err)
		}
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	d := New(Config{Capacity: 4})
	d.Enqueue(frame(1))
	d.Close(true)
	if _, err := d.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after discard, got %v", err)
	}
	if !d.Closed() {
		t.Error("expected Closed() true")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New(Config{Capacity: 2})

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close(false)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	}
}

func TestDrain(t *testing.T) {
	q := New(Config{Capacity: 3})
	for i := 1; i <= 5; i++ {
		q.Enqueue(frame(uint64(i)))
	}

	got := seqs(q.Drain())
	want := []uint64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if q.Len() != 0 || q.Cap() != 3 {
		t.Errorf("unexpected len %d cap %d", q.Len(), q.Cap())
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := New(Config{Capacity: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 500
	received := make(chan uint64, total)

	go func() {
		for {
			e, err := q.Dequeue(ctx)
			if err != nil {
				close(received)
				return
			}
			received <- e.Frame.Seq
		}
	}()

	for i := 1; i <= total; i++ {
		q.Enqueue(frame(uint64(i)))
	}
	q.Close(false)

	var last uint64
	count := 0
	for s := range received {
		if s <= last {
			t.Fatalf("frames reordered: %d after %d", s, last)
		}
		last = s
		count++
	}
	if uint64(count)+q.Dropped() != total {
		t.Errorf("received %d + dropped %d != %d", count, q.Dropped(), total)
	}
}
