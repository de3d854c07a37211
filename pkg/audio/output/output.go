// ABOUTME: Audio output interface definition
// ABOUTME: Common interface for audio playback backends
package output

import (
	"context"

	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

// Sink accepts PCM16 audio for playback
type Sink interface {
	// Write outputs little-endian PCM16 (blocks until written)
	Write(ctx context.Context, pcm []byte) error
}

// Output represents an audio output device
type Output interface {
	Sink

	// Open initializes the output device
	Open(format audio.Format) error

	// Close releases output resources
	Close() error
}

// ApplyVolume scales PCM16 by volume (0-100), returning a new buffer
func ApplyVolume(pcm []byte, volume int, muted bool) []byte {
	multiplier := getVolumeMultiplier(volume, muted)
	if multiplier == 1 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	samples := audio.BytesToSamples(pcm)
	for i, s := range samples {
		samples[i] = audio.ClampInt16(int32(float64(s) * multiplier))
	}
	return audio.SamplesToBytes(samples)
}

// getVolumeMultiplier calculates volume multiplier
func getVolumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	return float64(volume) / 100.0
}
