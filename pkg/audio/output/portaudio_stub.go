//go:build !portaudio

// ABOUTME: PortAudio stub when library not available
// ABOUTME: Provides compile-time placeholder when PortAudio not installed
package output

import (
	"context"
	"errors"

	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

var errNoPortAudio = errors.New("PortAudio support not enabled (build with -tags portaudio)")

// PortAudio output implementation (stub)
type PortAudio struct{}

// NewPortAudio creates a new PortAudio output
func NewPortAudio() Output {
	return &PortAudio{}
}

// Open initializes PortAudio
func (p *PortAudio) Open(format audio.Format) error {
	return errNoPortAudio
}

// Write outputs audio samples
func (p *PortAudio) Write(ctx context.Context, pcm []byte) error {
	return errNoPortAudio
}

// Close releases resources
func (p *PortAudio) Close() error {
	return nil
}
