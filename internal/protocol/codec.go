// ABOUTME: Encoding and validation of protocol messages
// ABOUTME: JSON event codec plus the binary audio chunk header
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// AudioChunkMessageType is the first byte of a binary audio chunk
	AudioChunkMessageType = 4

	// ChunkHeaderSize is type byte + uint64 sequence + uint32 index + flags
	ChunkHeaderSize = 1 + 8 + 4 + 1

	flagLast = 0x01
)

var (
	// ErrMalformed marks a message that cannot be parsed or lacks a required field
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownType marks a well-formed message of a type this client ignores
	ErrUnknownType = errors.New("unknown message type")
)

// EncodeEvent marshals an event for a text frame
func EncodeEvent(e Event) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return json.Marshal(e)
}

// DecodeEvent parses and validates a text frame
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}

// Validate checks the fields each event type requires
func (e Event) Validate() error {
	switch e.Type {
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeSessionStart:
		if e.SampleRate <= 0 {
			return fmt.Errorf("%w: %s without sampleRate", ErrMalformed, e.Type)
		}
	case TypeAudioChunk:
		if e.UtteranceSequence == nil {
			return fmt.Errorf("%w: %s without utteranceSequence", ErrMalformed, e.Type)
		}
		if e.ChunkIndex == nil {
			return fmt.Errorf("%w: %s without chunkIndex", ErrMalformed, e.Type)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: %s without payload", ErrMalformed, e.Type)
		}
	case TypeTTSStart, TypeTTSError:
		if e.UtteranceSequence == nil {
			return fmt.Errorf("%w: %s without utteranceSequence", ErrMalformed, e.Type)
		}
	case TypeTTSComplete:
		if e.UtteranceSequence == nil {
			return fmt.Errorf("%w: %s without utteranceSequence", ErrMalformed, e.Type)
		}
		if e.TotalChunks < 0 {
			return fmt.Errorf("%w: negative totalChunks", ErrMalformed)
		}
	case TypePing, TypePong:
		if e.Timestamp == 0 {
			return fmt.Errorf("%w: %s without timestamp", ErrMalformed, e.Type)
		}
	case TypePartialResult, TypeFinalResult, TypeError,
		TypeSessionStarted, TypeSessionEnd, TypeUtteranceEnd:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// EncodeChunk builds a binary audio chunk frame
func EncodeChunk(c AudioChunk) []byte {
	out := make([]byte, ChunkHeaderSize+len(c.Payload))
	out[0] = AudioChunkMessageType
	binary.BigEndian.PutUint64(out[1:9], c.Sequence)
	binary.BigEndian.PutUint32(out[9:13], c.Index)
	if c.IsLast {
		out[13] = flagLast
	}
	copy(out[ChunkHeaderSize:], c.Payload)
	return out
}

// DecodeChunk parses a binary audio chunk frame. The payload is copied.
func DecodeChunk(data []byte) (AudioChunk, error) {
	if len(data) < ChunkHeaderSize {
		return AudioChunk{}, fmt.Errorf("%w: binary frame of %d bytes", ErrMalformed, len(data))
	}
	if data[0] != AudioChunkMessageType {
		return AudioChunk{}, fmt.Errorf("%w: binary type %d", ErrUnknownType, data[0])
	}
	if len(data) == ChunkHeaderSize {
		return AudioChunk{}, fmt.Errorf("%w: empty audio chunk", ErrMalformed)
	}

	payload := make([]byte, len(data)-ChunkHeaderSize)
	copy(payload, data[ChunkHeaderSize:])

	return AudioChunk{
		Sequence: binary.BigEndian.Uint64(data[1:9]),
		Index:    binary.BigEndian.Uint32(data[9:13]),
		IsLast:   data[13]&flagLast != 0,
		Payload:  payload,
	}, nil
}
