// ABOUTME: Voice session wire protocol
// ABOUTME: JSON control events and binary audio chunk framing
// Package protocol defines the messages exchanged with a recognition and
// synthesis backend over a single WebSocket.
//
// Control messages are JSON text frames carrying an Event whose Type selects
// which optional fields are meaningful. Outbound microphone audio is sent as
// raw PCM16 binary frames. Inbound synthesized audio arrives either as
// binary frames with a fixed 14 byte header or as audio-chunk JSON events
// with a base64 payload; both decode to an AudioChunk.
package protocol
