// ABOUTME: Session configuration
// ABOUTME: Flattens the loaded config file into the values a session needs
package session

import (
	"time"

	"github.com/Resonate-Protocol/voicelink/internal/client"
	"github.com/Resonate-Protocol/voicelink/internal/config"
	"github.com/Resonate-Protocol/voicelink/internal/queue"
	"github.com/Resonate-Protocol/voicelink/internal/reassembly"
	"github.com/Resonate-Protocol/voicelink/internal/utterance"
	"github.com/Resonate-Protocol/voicelink/pkg/audio"
	"github.com/Resonate-Protocol/voicelink/pkg/vad"
)

// Config holds session settings
type Config struct {
	// Client configures the transport. SampleRate is filled from WireRate.
	Client client.Config

	// WireRate is the sample rate frames are sent at
	WireRate      int
	FrameDuration time.Duration
	PlaybackRate  int

	Threshold float64
	// PlaybackThresholdScale raises the threshold while a reply plays so
	// the reply leaking into the microphone does not count as speech
	PlaybackThresholdScale float64

	Silence       time.Duration
	QueueCapacity int

	StaleAfter    time.Duration
	SweepInterval time.Duration

	Interruptible bool
	Segment       time.Duration
}

// FromConfig builds session settings from a loaded config file
func FromConfig(c *config.Config, url string) Config {
	return Config{
		Client: client.Config{
			URL:               url,
			ModelID:           c.Session.ModelID,
			Language:          c.Session.Language,
			RequireAck:        c.Session.RequireAck,
			ReconnectDelay:    c.Transport.ReconnectDelay,
			MaxBackoff:        c.Transport.MaxBackoff,
			MaxRetries:        c.Transport.MaxRetries,
			HeartbeatInterval: c.Transport.HeartbeatInterval,
			HeartbeatMisses:   c.Transport.HeartbeatMisses,
			HandshakeTimeout:  c.Transport.HandshakeTimeout,
		},
		WireRate:               c.Audio.SampleRate,
		FrameDuration:          c.Audio.FrameDuration,
		PlaybackRate:           c.Audio.PlaybackRate,
		Threshold:              c.VAD.Threshold,
		PlaybackThresholdScale: c.VAD.PlaybackThresholdScale,
		Silence:                c.Utterance.Silence,
		QueueCapacity:          c.Queue.Capacity,
		StaleAfter:             c.Reassembly.StaleAfter,
		Interruptible:          c.Playback.Interruptible,
		Segment:                c.Playback.Segment,
	}
}

func (c *Config) applyDefaults() {
	if c.WireRate <= 0 {
		c.WireRate = audio.DefaultSampleRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = audio.DefaultFrameDuration
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = audio.DefaultPlaybackRate
	}
	if c.Threshold <= 0 {
		c.Threshold = vad.DefaultThreshold
	}
	if c.Silence <= 0 {
		c.Silence = utterance.DefaultSilence
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = queue.DefaultCapacity
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = reassembly.DefaultStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.StaleAfter / 2
	}
	c.Client.SampleRate = c.WireRate
}
