// ABOUTME: In-memory audio sink
// ABOUTME: Records written PCM for tests and headless sessions
package output

import (
	"context"
	"sync"
	"time"

	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

// Recorder is an Output that keeps every write in memory. With Realtime
// set, Write sleeps for the duration of the audio it was given.
type Recorder struct {
	Realtime bool

	mu     sync.Mutex
	format audio.Format
	writes [][]byte
	opened bool
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Open records the playback format
func (r *Recorder) Open(format audio.Format) error {
	if err := format.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.format = format
	r.opened = true
	r.mu.Unlock()
	return nil
}

// Write stores a copy of pcm
func (r *Recorder) Write(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)

	r.mu.Lock()
	r.writes = append(r.writes, buf)
	format := r.format
	r.mu.Unlock()

	if r.Realtime && format.SampleRate > 0 {
		t := time.NewTimer(format.Duration(len(pcm)))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close is a no-op
func (r *Recorder) Close() error {
	return nil
}

// Bytes returns everything written so far
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []byte
	for _, w := range r.writes {
		out = append(out, w...)
	}
	return out
}

// Writes returns the number of Write calls
func (r *Recorder) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

// Reset forgets recorded audio
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.writes = nil
	r.mu.Unlock()
}

// Discard is a Sink that drops audio
type Discard struct{}

// Write drops pcm
func (Discard) Write(ctx context.Context, pcm []byte) error {
	return ctx.Err()
}
