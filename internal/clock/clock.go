// ABOUTME: Time source abstraction for timers and timestamps
// ABOUTME: Real wall clock plus a manually advanced fake for deterministic tests
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides the current time and one-shot callbacks
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending callback created by AfterFunc
type Timer interface {
	Stop() bool
}

// Real is the wall clock
type Real struct{}

// Now returns time.Now()
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrReal returns c, or the wall clock when c is nil
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Fake is a clock that only moves when Advance is called. Callbacks run
// synchronously inside Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	next   int
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	fn      func()
	done    bool
	ordinal int
}

// NewFake creates a fake clock starting at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run once the clock reaches now+d
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn, ordinal: f.next}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due callbacks
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		due := f.dueLocked(target)
		if due == nil {
			break
		}
		due.done = true
		f.now = due.at
		f.mu.Unlock()
		due.fn()
		f.mu.Lock()
	}

	f.now = target
	f.compactLocked()
	f.mu.Unlock()
}

// Pending returns the number of scheduled, unfired callbacks
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, t := range f.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (f *Fake) dueLocked(target time.Time) *fakeTimer {
	var pending []*fakeTimer
	for _, t := range f.timers {
		if !t.done && !t.at.After(target) {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].at.Equal(pending[j].at) {
			return pending[i].ordinal < pending[j].ordinal
		}
		return pending[i].at.Before(pending[j].at)
	})
	return pending[0]
}

func (f *Fake) compactLocked() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	f.timers = live
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	return true
}
