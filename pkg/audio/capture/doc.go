// ABOUTME: Audio capture package for microphone and file input
// ABOUTME: Provides the Source interface with PortAudio, reader and channel backends
// Package capture provides sources of raw PCM16 audio.
//
// A Source hands out blocks of little-endian PCM16 in its native format.
// Block sizes are whatever the device delivers; the session's chunker turns
// them into fixed frames. Read returns io.EOF when the input is exhausted.
//
// The PortAudio microphone is available when built with -tags portaudio.
package capture
