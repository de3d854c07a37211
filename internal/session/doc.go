// ABOUTME: Full-duplex voice session package
// ABOUTME: Ties capture, detection, transport and playback together
// Package session runs one voice conversation against a recognition backend.
//
// Captured audio is resampled to the wire rate, cut into fixed frames and
// classified by the energy detector. Speech opens an utterance; frames are
// queued for the transport while it is open, and the silence timer closes it
// and tells the backend. In the other direction, synthesized reply chunks
// are reassembled and played in sequence order, and new speech can
// interrupt a reply that is playing.
//
// A Session publishes what happens on Events. The channel is closed after
// Close returns.
package session
