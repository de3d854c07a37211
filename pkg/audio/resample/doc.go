// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts capture device audio to the recognizer sample rate
// Package resample provides streaming sample rate conversion for PCM16.
//
// Uses linear interpolation and carries the last input frame across calls so
// block boundaries do not introduce discontinuities.
//
// Example:
//
//	r := resample.New(48000, 16000, 1)
//	out := r.Resample(block)
package resample
