// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, Frame and the fixed-duration frame chunker
// Package audio provides the PCM types shared by capture, transport and playback.
//
// This package defines:
//   - Format: sample rate, channel count and bit depth of a PCM stream
//   - Frame: an immutable fixed-duration block of little-endian PCM16 audio
//   - Chunker: slices arbitrarily sized capture blocks into Frames
//
// Example:
//
//	format := audio.PCM16Mono(16000)
//	chunker, err := audio.NewChunker(format, 200*time.Millisecond)
//	frames, err := chunker.Push(block, format)
package audio
