// ABOUTME: RMS energy voice activity detector
// ABOUTME: Stateless speech/silence classification with a tunable threshold
package vad

import (
	"encoding/binary"
	"math"
)

// DefaultThreshold is calibrated for 16-bit PCM at typical microphone gain
const DefaultThreshold = 1000.0

// Detector labels frames whose RMS energy exceeds Threshold as speech
type Detector struct {
	Threshold float64
}

// New creates a detector. A non-positive threshold selects DefaultThreshold.
func New(threshold float64) Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Detector{Threshold: threshold}
}

// Classify reports whether frame (little-endian PCM16) contains speech
func (d Detector) Classify(frame []byte) bool {
	return RMS(frame) > d.Threshold
}

// Scaled returns a detector with the threshold multiplied by factor.
// Used to desensitize capture while a reply is playing.
func (d Detector) Scaled(factor float64) Detector {
	if factor <= 0 {
		return d
	}
	return Detector{Threshold: d.Threshold * factor}
}

// RMS computes the root-mean-square amplitude of little-endian PCM16 samples
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
