// ABOUTME: Voice session protocol message definitions
// ABOUTME: Event envelope, type constants and audio chunk representation
package protocol

import "time"

// Event types
const (
	TypeSessionStart   = "session-start"
	TypeSessionStarted = "session-started"
	TypeSessionEnd     = "session-end"
	TypeUtteranceEnd   = "utterance-end"
	TypePartialResult  = "partial-result"
	TypeFinalResult    = "final-result"
	TypeError          = "error"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeAudioChunk     = "audio-chunk"
	TypeTTSStart       = "tts-start"
	TypeTTSComplete    = "tts-complete"
	TypeTTSError       = "tts-error"
)

// Event is the JSON envelope for every control message. Only the fields
// relevant to Type are set.
type Event struct {
	Type string `json:"type"`

	// session-start / session-started
	SessionID  string `json:"sessionId,omitempty"`
	ModelID    string `json:"modelId,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Language   string `json:"language,omitempty"`

	// audio-chunk, tts-*
	UtteranceSequence *uint64 `json:"utteranceSequence,omitempty"`
	ChunkIndex        *uint32 `json:"chunkIndex,omitempty"`
	Payload           []byte  `json:"payload,omitempty"` // base64 on the wire
	IsLast            bool    `json:"isLast,omitempty"`
	TotalChunks       int     `json:"totalChunks,omitempty"`

	// partial-result, final-result, error
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Message string `json:"message,omitempty"`

	// ping / pong, microseconds since the Unix epoch
	Timestamp int64 `json:"timestamp,omitempty"`
}

// AudioChunk is one piece of a synthesized reply
type AudioChunk struct {
	Sequence uint64
	Index    uint32
	Payload  []byte
	IsLast   bool
}

// SessionStart builds the handshake event
func SessionStart(sessionID, modelID string, sampleRate int, language string) Event {
	return Event{
		Type:       TypeSessionStart,
		SessionID:  sessionID,
		ModelID:    modelID,
		SampleRate: sampleRate,
		Language:   language,
	}
}

// SessionEnd builds the goodbye event
func SessionEnd(sessionID string) Event {
	return Event{Type: TypeSessionEnd, SessionID: sessionID}
}

// UtteranceEnd tells the backend the user stopped speaking
func UtteranceEnd(sessionID string) Event {
	return Event{Type: TypeUtteranceEnd, SessionID: sessionID}
}

// Ping builds a heartbeat stamped with t
func Ping(t time.Time) Event {
	return Event{Type: TypePing, Timestamp: t.UnixMicro()}
}

// Pong answers a ping, echoing its timestamp
func Pong(ping Event) Event {
	return Event{Type: TypePong, Timestamp: ping.Timestamp}
}

// PartialResult builds an interim transcript event
func PartialResult(text string) Event {
	return Event{Type: TypePartialResult, Text: text}
}

// FinalResult builds a final transcript event
func FinalResult(text string) Event {
	return Event{Type: TypeFinalResult, Text: text, IsFinal: true}
}

// ErrorEvent builds a backend error event
func ErrorEvent(msg string) Event {
	return Event{Type: TypeError, Message: msg}
}

// TTSStart announces a new reply sequence
func TTSStart(seq uint64) Event {
	return Event{Type: TypeTTSStart, UtteranceSequence: &seq}
}

// TTSComplete reports the chunk count of a finished reply
func TTSComplete(seq uint64, total int) Event {
	return Event{Type: TypeTTSComplete, UtteranceSequence: &seq, TotalChunks: total}
}

// TTSError reports that a reply sequence failed
func TTSError(seq uint64, msg string) Event {
	return Event{Type: TypeTTSError, UtteranceSequence: &seq, Message: msg}
}

// ChunkEvent wraps an audio chunk as a JSON event
func ChunkEvent(c AudioChunk) Event {
	seq, idx := c.Sequence, c.Index
	return Event{
		Type:              TypeAudioChunk,
		UtteranceSequence: &seq,
		ChunkIndex:        &idx,
		Payload:           c.Payload,
		IsLast:            c.IsLast,
	}
}

// Sequence returns the utterance sequence, or 0 when absent
func (e Event) Sequence() uint64 {
	if e.UtteranceSequence == nil {
		return 0
	}
	return *e.UtteranceSequence
}

// Chunk converts an audio-chunk event. Call Validate first.
func (e Event) Chunk() AudioChunk {
	c := AudioChunk{Payload: e.Payload, IsLast: e.IsLast}
	if e.UtteranceSequence != nil {
		c.Sequence = *e.UtteranceSequence
	}
	if e.ChunkIndex != nil {
		c.Index = *e.ChunkIndex
	}
	return c
}

// Time converts a ping/pong timestamp
func (e Event) Time() time.Time {
	return time.UnixMicro(e.Timestamp)
}
