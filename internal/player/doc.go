// ABOUTME: Reply playback package
// ABOUTME: Orders completed replies by sequence and writes them to a sink
// Package player plays synthesized replies one at a time in sequence order.
//
// Ordering relies on announcements. A sequence marked with Expect holds back
// every later sequence until it is delivered or cancelled. A reply that
// completes before any earlier sequence has been announced plays at once,
// and the earlier sequence is then refused when it arrives. A backend that
// sends tts-start before each reply's chunks therefore always gets its
// replies played in order; one that does not only gets that when replies
// complete in order.
//
// Sequences are compared within one numbering. Restart begins a new one for
// a backend that counts from the start again after a reconnect.
package player
