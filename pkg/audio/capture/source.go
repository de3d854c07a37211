// ABOUTME: Capture source interface and non-device sources
// ABOUTME: Raw PCM reader with optional real-time pacing, and a channel source
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

var (
	// ErrDeviceUnavailable means no usable capture device could be opened
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrPermissionDenied means the OS refused access to the input
	ErrPermissionDenied = errors.New("capture permission denied")
)

// Source produces PCM16 audio
type Source interface {
	// Format is the native format of the blocks returned by Read
	Format() audio.Format

	// Read blocks until the next block of audio is available
	Read(ctx context.Context) ([]byte, error)

	// Close releases the device
	Close() error
}

// ReaderSource reads raw PCM16 from an io.Reader
type ReaderSource struct {
	r      io.Reader
	closer io.Closer
	format audio.Format
	block  int
	pace   time.Duration
	next   time.Time
}

// NewReaderSource reads blocks of blockDuration audio from r. With realtime
// set, Read waits so blocks are delivered no faster than the audio plays.
func NewReaderSource(r io.Reader, format audio.Format, blockDuration time.Duration, realtime bool) (*ReaderSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	block := format.FrameBytes(blockDuration)
	if block <= 0 {
		return nil, fmt.Errorf("block duration %v too short for %s", blockDuration, format)
	}

	s := &ReaderSource{r: r, format: format, block: block}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	if realtime {
		s.pace = format.Duration(block)
	}
	return s, nil
}

// OpenFile opens a raw PCM16 file as a source
func OpenFile(path string, format audio.Format, blockDuration time.Duration, realtime bool) (*ReaderSource, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s, err := NewReaderSource(f, format, blockDuration, realtime)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Format returns the source format
func (s *ReaderSource) Format() audio.Format {
	return s.format
}

// Read returns the next block. The final block may be short.
func (s *ReaderSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.pace > 0 {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		s.next = s.next.Add(s.pace)
	}

	buf := make([]byte, s.block)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("read capture input: %w", err)
	}
}

// Close closes the underlying reader if it is closable
func (s *ReaderSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ChanSource delivers blocks pushed by another goroutine. Closing the
// channel ends the stream with io.EOF.
type ChanSource struct {
	format audio.Format
	blocks <-chan []byte
}

// NewChanSource creates a source fed from blocks
func NewChanSource(format audio.Format, blocks <-chan []byte) *ChanSource {
	return &ChanSource{format: format, blocks: blocks}
}

// Format returns the source format
func (s *ChanSource) Format() audio.Format {
	return s.format
}

// Read waits for the next block
func (s *ChanSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-s.blocks:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

// Close is a no-op; the producer owns the channel
func (s *ChanSource) Close() error {
	return nil
}
