//go:build portaudio

// ABOUTME: PortAudio microphone capture
// ABOUTME: Blocking-read input stream on the default device
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

// DefaultFramesPerBuffer is 20ms at 16kHz
const DefaultFramesPerBuffer = 320

// Microphone captures from the default input device
type Microphone struct {
	mu     sync.Mutex
	format audio.Format
	stream *portaudio.Stream
	buf    []int16
}

// OpenMicrophone opens the default input device at the given rate
func OpenMicrophone(sampleRate, framesPerBuffer int) (Source, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	m := &Microphone{
		format: audio.PCM16Mono(sampleRate),
		buf:    make([]int16, framesPerBuffer),
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, m.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, mapError(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, mapError(err)
	}

	m.stream = stream
	slog.Info("microphone opened", "format", m.format.String(), "frames_per_buffer", framesPerBuffer)
	return m, nil
}

// Format returns the capture format
func (m *Microphone) Format() audio.Format {
	return m.format
}

// Read blocks for one device buffer
func (m *Microphone) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil, ErrDeviceUnavailable
	}
	if err := m.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			slog.Debug("microphone input overflowed")
		} else {
			return nil, mapError(err)
		}
	}
	return audio.SamplesToBytes(m.buf), nil
}

// Close stops the stream and terminates PortAudio
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil
	}
	m.stream.Stop()
	err := m.stream.Close()
	m.stream = nil
	portaudio.Terminate()
	return err
}

func mapError(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable), errors.Is(err, portaudio.InvalidDevice):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	case errors.Is(err, portaudio.UnanticipatedHostError):
		// Host APIs report a refused microphone this way
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}
