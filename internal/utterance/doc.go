// ABOUTME: Utterance timer package
// ABOUTME: Debounced end-of-utterance detection driven only by local VAD decisions
// Package utterance tracks the open/closed state of the user's current
// utterance.
//
// The Timer is fed one VAD decision per captured frame through Observe. The
// first speech frame after Idle opens an utterance and emits Started; every
// later speech frame restarts the silence countdown. When the countdown
// expires with no speech in between, the utterance closes and Ended is
// emitted exactly once.
//
// Recognition results never reach the Timer. Observe is the only input that
// can arm or restart it, so a slow or chatty recognizer cannot stretch an
// utterance.
package utterance
