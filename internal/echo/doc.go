// ABOUTME: Development echo backend package
// ABOUTME: Stands in for a recognition and synthesis service
// Package echo implements a small voice backend for development and tests.
//
// It accepts one WebSocket session per connection at /voice, counts the
// audio frames it receives, answers heartbeats, and emits partial results
// while audio arrives. When the client reports utterance-end (or inbound
// audio pauses for the configured flush window) it sends a final result and
// then a synthesized reply: a sine tone split into chunks that are sent in
// shuffled order, bracketed by tts-start and tts-complete.
package echo
