// Package live defines the Provider interface for real-time conversational
// audio services.
//
// A live session is a duplex stream: the caller pushes microphone audio with
// [Session.SendRealtimeAudio] while the service answers on [Session.Events]
// with synthesized speech, partial transcriptions of both sides, and
// turn-complete markers. Lifecycle changes (open, error, close) arrive on the
// same channel, in order, so a single consumer can drive a state machine
// from it.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/livetalk/pkg/audio"
)

var (
	// ErrConnection marks transport failures reported through an
	// [EventError].
	ErrConnection = errors.New("live: connection error")

	// ErrClosed is returned when sending on a closed session.
	ErrClosed = errors.New("live: session closed")
)

// EventType identifies the kind of an [Event].
type EventType int

const (
	// EventOpen signals that the service accepted the session configuration
	// and is ready for audio.
	EventOpen EventType = iota + 1

	// EventMessage carries one server content message.
	EventMessage

	// EventError reports a failure. No events follow it.
	EventError

	// EventClose reports that the remote side closed the session. No events
	// follow it.
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Message is one server content update. Any combination of fields may be set.
type Message struct {
	// InputText is a fragment of the transcription of the user's speech.
	InputText string

	// OutputText is a fragment of the transcription of the model's speech.
	OutputText string

	// Audio holds synthesized speech chunks in arrival order.
	Audio []audio.EncodedChunk

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted reports that the user spoke over the model. Audio already
	// queued for playback is stale.
	Interrupted bool
}

// Event is one entry of a session's event stream.
type Event struct {
	Type EventType

	// Message is set for EventMessage.
	Message *Message

	// Err is set for EventError.
	Err error

	// CloseCode and CloseReason are set for EventClose.
	CloseCode   int
	CloseReason string
}

// SessionConfig is the initial configuration for a new live session. Speech
// output is always requested.
type SessionConfig struct {
	// Voice is the provider's prebuilt voice name, e.g. "Zephyr".
	Voice string

	// SystemInstruction defines the conversation partner's behaviour.
	SystemInstruction string

	// InputTranscription requests transcriptions of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcriptions of the model's speech.
	OutputTranscription bool
}

// Session is an open live session. Callers must call Close when done.
type Session interface {
	// Events returns the ordered event stream. The channel is closed after an
	// EventError or EventClose has been delivered, or after Close.
	Events() <-chan Event

	// SendRealtimeAudio streams one chunk of microphone audio.
	SendRealtimeAudio(ctx context.Context, chunk audio.EncodedChunk) error

	// Close terminates the session and stops the receive loop, which then
	// closes the Events channel. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any live conversational backend.
type Provider interface {
	// Connect opens a session. It returns once the transport is established
	// and the configuration has been sent; readiness is signalled by EventOpen.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
