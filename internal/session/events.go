// ABOUTME: Session event types
// ABOUTME: Describes what a running session reports to its owner
package session

import (
	"github.com/Resonate-Protocol/voicelink/internal/client"
	"github.com/Resonate-Protocol/voicelink/internal/utterance"
)

// EventKind identifies a session event
type EventKind int

const (
	UtteranceStarted EventKind = iota
	UtteranceEnded
	PartialResult
	FinalResult
	RecognizerError
	ReplyStarted
	ReplyPlayed
	ReplyDiscarded
	ConnectionChanged
	Warning
)

func (k EventKind) String() string {
	switch k {
	case UtteranceStarted:
		return "utterance-started"
	case UtteranceEnded:
		return "utterance-ended"
	case PartialResult:
		return "partial-result"
	case FinalResult:
		return "final-result"
	case RecognizerError:
		return "recognizer-error"
	case ReplyStarted:
		return "reply-started"
	case ReplyPlayed:
		return "reply-played"
	case ReplyDiscarded:
		return "reply-discarded"
	case ConnectionChanged:
		return "connection-changed"
	case Warning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is one thing that happened in a session. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	// UtteranceStarted, UtteranceEnded
	Utterance utterance.Session

	// PartialResult, FinalResult, RecognizerError
	Text string

	// ReplyStarted, ReplyPlayed, ReplyDiscarded
	Seq    uint64
	Bytes  int
	Reason string

	// ConnectionChanged
	State client.State

	// Warning, RecognizerError
	Err error
}
