// ABOUTME: Audio output package for playing synthesized speech
// ABOUTME: Provides the Output interface with oto, PortAudio and in-memory backends
// Package output provides audio playback sinks.
//
// Every backend accepts little-endian PCM16 through Write, which blocks until
// the audio has been handed to the device. Callers that need to stop
// playback early should write in short segments and check for cancellation
// between them.
//
// The oto backend is the default. PortAudio is available when built with
// -tags portaudio. Recorder keeps everything written to it, which is what
// tests and headless runs use.
//
// Example:
//
//	out := output.NewOto()
//	err := out.Open(audio.PCM16Mono(24000))
//	err = out.Write(ctx, pcm)
package output
