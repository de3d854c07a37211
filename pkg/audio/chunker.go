// ABOUTME: Fixed-duration frame chunker for captured audio
// ABOUTME: Buffers arbitrary capture blocks and emits exact-size PCM frames
package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrFormatMismatch is returned when a capture block does not match the
// chunker's sample format.
var ErrFormatMismatch = errors.New("audio: input format does not match frame format")

// Chunker slices a continuous stream of PCM bytes into Frames of exactly
// FrameBytes length. Samples that do not fill a whole frame stay buffered for
// the next Push. A Chunker is owned by a single capture goroutine.
type Chunker struct {
	format     Format
	frameBytes int
	pending    []byte
	seq        uint64
	now        func() time.Time
}

// NewChunker creates a chunker emitting frames of frameDuration
func NewChunker(format Format, frameDuration time.Duration) (*Chunker, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("chunker format: %w", err)
	}
	frameBytes := format.FrameBytes(frameDuration)
	if frameBytes <= 0 {
		return nil, fmt.Errorf("frame duration %v too short for %s", frameDuration, format)
	}

	return &Chunker{
		format:     format,
		frameBytes: frameBytes,
		pending:    make([]byte, 0, frameBytes*2),
		now:        time.Now,
	}, nil
}

// SetClock replaces the timestamp source used for CapturedAt
func (c *Chunker) SetClock(now func() time.Time) {
	c.now = now
}

// Push appends a capture block and returns every whole frame now available.
// The block is copied; the caller may reuse it after Push returns.
func (c *Chunker) Push(block []byte, blockFormat Format) ([]Frame, error) {
	if blockFormat.BitDepth != c.format.BitDepth ||
		blockFormat.Channels != c.format.Channels ||
		blockFormat.SampleRate != c.format.SampleRate {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, blockFormat, c.format)
	}

	c.pending = append(c.pending, block...)
	if len(c.pending) < c.frameBytes {
		return nil, nil
	}

	count := len(c.pending) / c.frameBytes
	frames := make([]Frame, 0, count)
	now := c.now()

	for i := 0; i < count; i++ {
		data := make([]byte, c.frameBytes)
		copy(data, c.pending[i*c.frameBytes:])
		c.seq++
		frames = append(frames, Frame{
			Seq:        c.seq,
			CapturedAt: now,
			Data:       data,
			Format:     c.format,
		})
	}

	rest := copy(c.pending, c.pending[count*c.frameBytes:])
	c.pending = c.pending[:rest]

	return frames, nil
}

// Buffered returns the number of bytes waiting for a full frame
func (c *Chunker) Buffered() int {
	return len(c.pending)
}

// FrameBytes returns the size of each emitted frame
func (c *Chunker) FrameBytes() int {
	return c.frameBytes
}

// Format returns the frame format
func (c *Chunker) Format() Format {
	return c.format
}

// Flush returns and clears the trailing partial frame
func (c *Chunker) Flush() []byte {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]byte, len(c.pending))
	copy(out, c.pending)
	c.pending = c.pending[:0]
	return out
}
