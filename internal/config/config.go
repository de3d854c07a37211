// ABOUTME: Configuration types for the voicelink client
// ABOUTME: YAML-mapped sections with defaults for every tunable
// Package config loads the client configuration from YAML.
//
// Every field has a default, so an empty file is valid. Command-line flags
// override individual values after loading.
package config

import (
	"log/slog"
	"time"
)

// LogLevel is a log verbosity name
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a known level
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts to an slog level, defaulting to info
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Utterance  UtteranceConfig  `yaml:"utterance"`
	Queue      QueueConfig      `yaml:"queue"`
	Transport  TransportConfig  `yaml:"transport"`
	Reassembly ReassemblyConfig `yaml:"reassembly"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig locates the recognition backend
type ServerConfig struct {
	// Addr is host:port. Empty means discover via mDNS.
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
	TLS  bool   `yaml:"tls"`

	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// SessionConfig is sent in session-start
type SessionConfig struct {
	ModelID    string `yaml:"model_id"`
	Language   string `yaml:"language"`
	RequireAck bool   `yaml:"require_ack"`
}

// AudioConfig describes capture and playback formats
type AudioConfig struct {
	// SampleRate is the rate frames are sent at
	SampleRate int `yaml:"sample_rate"`

	// CaptureRate is the device rate; resampled to SampleRate when different
	CaptureRate int `yaml:"capture_rate"`

	FrameDuration time.Duration `yaml:"frame_duration"`
	PlaybackRate  int           `yaml:"playback_rate"`
}

// VADConfig tunes speech detection
type VADConfig struct {
	Threshold float64 `yaml:"threshold"`

	// PlaybackThresholdScale multiplies the threshold while a reply plays
	PlaybackThresholdScale float64 `yaml:"playback_threshold_scale"`
}

// UtteranceConfig tunes end-of-utterance detection
type UtteranceConfig struct {
	Silence time.Duration `yaml:"silence"`
}

// QueueConfig sizes the outbound queue
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// TransportConfig tunes the connection
type TransportConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	MaxRetries        int           `yaml:"max_retries"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// ReassemblyConfig tunes inbound reply buffering
type ReassemblyConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// PlaybackConfig tunes reply playback
type PlaybackConfig struct {
	Interruptible bool          `yaml:"interruptible"`
	Segment       time.Duration `yaml:"segment"`
	Volume        int           `yaml:"volume"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Listen is the address for /metrics; empty disables it
	Listen string `yaml:"listen"`
}

// LogConfig controls logging
type LogConfig struct {
	Level LogLevel `yaml:"level"`
	File  string   `yaml:"file"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Path:             "/voice",
			DiscoveryTimeout: 3 * time.Second,
		},
		Session: SessionConfig{
			Language: "auto",
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			CaptureRate:   16000,
			FrameDuration: 200 * time.Millisecond,
			PlaybackRate:  24000,
		},
		VAD: VADConfig{
			Threshold:              1000,
			PlaybackThresholdScale: 2,
		},
		Utterance: UtteranceConfig{
			Silence: 3 * time.Second,
		},
		Queue: QueueConfig{
			Capacity: 20,
		},
		Transport: TransportConfig{
			ReconnectDelay:    3 * time.Second,
			MaxBackoff:        30 * time.Second,
			MaxRetries:        10,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatMisses:   3,
			HandshakeTimeout:  5 * time.Second,
		},
		Reassembly: ReassemblyConfig{
			StaleAfter: 5 * time.Second,
		},
		Playback: PlaybackConfig{
			Interruptible: true,
			Segment:       40 * time.Millisecond,
			Volume:        100,
		},
		Log: LogConfig{
			Level: LogInfo,
			File:  "voicelink.log",
		},
	}
}

// URL returns the backend WebSocket URL for addr
func (s ServerConfig) URL(addr string) string {
	scheme := "ws"
	if s.TLS {
		scheme = "wss"
	}
	path := s.Path
	if path == "" {
		path = "/voice"
	}
	return scheme + "://" + addr + path
}
