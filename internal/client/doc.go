// ABOUTME: Transport session package
// ABOUTME: Persistent WebSocket connection with heartbeat and reconnect
// Package client owns the WebSocket connection to the recognition backend.
//
// A Client drains the outbound queue into binary frames, decodes inbound
// control events and synthesized audio chunks onto typed channels, keeps the
// link alive with ping/pong heartbeats, and reconnects with exponential
// backoff when the connection drops. Queued frames survive a reconnect; the
// sender simply stops dequeuing until a new connection is up.
//
// Close performs a normal WebSocket closure, which also tells the run loop
// not to reconnect. A normal closure initiated by the server ends the session
// the same way.
package client
