// ABOUTME: Voice activity detection package
// ABOUTME: Classifies PCM16 frames as speech or silence from RMS energy
// Package vad classifies audio frames as speech or silence.
//
// Classification is a pure function of a single frame: the frame's
// root-mean-square energy is compared against a tunable threshold. No state
// is carried between frames, so the same frame always yields the same label.
//
// Example:
//
//	d := vad.New(vad.DefaultThreshold)
//	if d.Classify(frame.Data) {
//	    // speech
//	}
package vad
