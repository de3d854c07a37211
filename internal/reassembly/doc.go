// ABOUTME: Inbound audio reassembly package
// ABOUTME: Rebuilds synthesized replies from out-of-order chunks
// Package reassembly collects synthesized audio chunks tagged with an
// utterance sequence and chunk index and rebuilds each reply in order.
//
// Chunks may arrive in any order, and a later sequence may start before an
// earlier one finishes. A sequence completes once its last chunk has been
// flagged (by isLast or by a tts-complete total) and no index below the
// highest one is missing. Incomplete replies are never handed out: a
// duplicate index, a remote failure, or inactivity past the staleness window
// discards the whole buffer.
//
// Every call returns the Notices it produced, in order, so callers can keep
// the playback scheduler's view of pending sequences exact.
package reassembly
