//go:build !portaudio

// ABOUTME: PortAudio capture stub when library not available
// ABOUTME: Reports the microphone as unavailable
package capture

import "fmt"

// DefaultFramesPerBuffer is 20ms at 16kHz
const DefaultFramesPerBuffer = 320

// OpenMicrophone reports that microphone capture is not compiled in
func OpenMicrophone(sampleRate, framesPerBuffer int) (Source, error) {
	return nil, fmt.Errorf("%w: PortAudio support not enabled (build with -tags portaudio)", ErrDeviceUnavailable)
}
