// ABOUTME: Audio type definitions
// ABOUTME: Defines PCM formats, captured frames and sample conversion helpers
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the capture rate expected by the recognizer.
	DefaultSampleRate = 16000

	// DefaultFrameDuration is the amount of audio carried by one Frame.
	DefaultFrameDuration = 200 * time.Millisecond

	// DefaultPlaybackRate is the sample rate of synthesized replies.
	DefaultPlaybackRate = 24000

	// BitDepth16 is the only sample width carried on the wire.
	BitDepth16 = 16
)

// Format describes a PCM stream
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// PCM16Mono returns a mono 16-bit format at the given rate
func PCM16Mono(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitDepth: BitDepth16}
}

// Validate reports whether the format can be carried on the wire
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.BitDepth != BitDepth16 {
		return fmt.Errorf("unsupported bit depth %d (only 16-bit PCM)", f.BitDepth)
	}
	return nil
}

// BytesPerFrame returns the size of one interleaved sample frame (all channels)
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// FrameBytes returns the byte length of d worth of audio
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BytesPerFrame()
}

// Duration returns how much audio n bytes represent
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	return time.Duration(int64(n/bpf) * int64(time.Second) / int64(f.SampleRate))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// Frame is a fixed-size block of captured PCM16 audio. Frames are never
// mutated after the chunker emits them.
type Frame struct {
	Seq        uint64    // Monotonic per chunker, starting at 1
	CapturedAt time.Time // When the frame was completed
	Data       []byte    // Little-endian PCM16
	Format     Format
}

// Duration returns the amount of audio in the frame
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.Data))
}

// Samples decodes the frame payload into int16 samples
func (f Frame) Samples() []int16 {
	return BytesToSamples(f.Data)
}

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes int16 samples as little-endian PCM16
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ClampInt16 saturates v to the int16 range
func ClampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
