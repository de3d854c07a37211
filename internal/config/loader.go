// ABOUTME: YAML configuration loader
// ABOUTME: Decodes config files over defaults and validates them
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML over the defaults and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate must be positive, got %d", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate must be positive, got %d", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration must be positive, got %v", cfg.Audio.FrameDuration))
	}

	if cfg.VAD.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("vad.threshold must be positive, got %v", cfg.VAD.Threshold))
	}
	if cfg.VAD.PlaybackThresholdScale < 1 {
		errs = append(errs, fmt.Errorf("vad.playback_threshold_scale must be at least 1, got %v", cfg.VAD.PlaybackThresholdScale))
	}

	if cfg.Utterance.Silence <= 0 {
		errs = append(errs, fmt.Errorf("utterance.silence must be positive, got %v", cfg.Utterance.Silence))
	}
	if cfg.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity must be at least 1, got %d", cfg.Queue.Capacity))
	}

	t := cfg.Transport
	if t.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("transport.reconnect_delay must be positive, got %v", t.ReconnectDelay))
	}
	if t.MaxBackoff < t.ReconnectDelay {
		errs = append(errs, fmt.Errorf("transport.max_backoff %v is below reconnect_delay %v", t.MaxBackoff, t.ReconnectDelay))
	}
	if t.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("transport.max_retries must be at least 1, got %d", t.MaxRetries))
	}
	if t.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("transport.heartbeat_interval must not be negative, got %v", t.HeartbeatInterval))
	}
	if t.HeartbeatMisses < 1 {
		errs = append(errs, fmt.Errorf("transport.heartbeat_misses must be at least 1, got %d", t.HeartbeatMisses))
	}

	if cfg.Reassembly.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("reassembly.stale_after must be positive, got %v", cfg.Reassembly.StaleAfter))
	}
	if cfg.Playback.Segment <= 0 {
		errs = append(errs, fmt.Errorf("playback.segment must be positive, got %v", cfg.Playback.Segment))
	}
	if cfg.Playback.Volume < 0 || cfg.Playback.Volume > 100 {
		errs = append(errs, fmt.Errorf("playback.volume must be 0-100, got %d", cfg.Playback.Volume))
	}

	return errors.Join(errs...)
}
