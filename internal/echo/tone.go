// ABOUTME: Test tone synthesis for echo replies
// ABOUTME: Deterministic sine tone per reply sequence, split into chunks
package echo

import (
	"math"
	"time"

	"github.com/Resonate-Protocol/voicelink/pkg/audio"
)

const baseFrequency = 440.0

// Tone returns the reply audio for seq: a mono PCM16 sine wave whose pitch
// rises a semitone with every sequence
func Tone(seq uint64, d time.Duration, sampleRate int) []byte {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	freq := baseFrequency * math.Pow(2, float64(seq%12)/12)

	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		// 50% volume
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767.0 * 0.5)
	}
	return audio.SamplesToBytes(samples)
}

// Split divides pcm into k chunks on sample boundaries. The last chunk
// takes the remainder.
func Split(pcm []byte, k int) [][]byte {
	if k < 1 {
		k = 1
	}
	samples := len(pcm) / 2
	if k > samples {
		k = max(samples, 1)
	}
	per := (samples / k) * 2

	out := make([][]byte, 0, k)
	for i := 0; i < k; i++ {
		start := i * per
		end := start + per
		if i == k-1 {
			end = len(pcm)
		}
		out = append(out, pcm[start:end])
	}
	return out
}
