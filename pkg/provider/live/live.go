// Package live defines the Provider interface for real-time inference
// backends that hold one persistent bidirectional session per conversation.
//
// A live backend accepts streamed microphone audio and answers with a single
// ordered stream of [ServerMessage] values: synthesised audio, incremental
// transcripts of both sides, turn boundaries and tool-call proposals. The
// stream is read through [Conn.Recv] and must be read by exactly one
// goroutine; callers that need several consumers put a fan-out in front of it.
//
// All implementations must be safe for concurrent use of the send methods
// alongside a single reader.
package live

import (
	"context"
	"fmt"
)

// ServerMessage is one unit of the backend's output stream. The concrete
// type is one of [AudioFrame], [InputTranscript], [OutputTranscript],
// [TurnBoundary], [ToolCall] or [StreamError]. Messages are immutable once
// emitted.
type ServerMessage interface {
	serverMessage()
}

// AudioFrame carries synthesised speech as PCM16 mono at
// audio.FormatBackendOutput.
type AudioFrame struct {
	Data []byte
}

// InputTranscript is the backend's recognition of the user's speech. Text is
// cumulative for the current utterance; Final marks the last update.
type InputTranscript struct {
	Text  string
	Final bool
}

// OutputTranscript is the text of the model's spoken answer. Text is
// cumulative for the current turn; Final marks the last update.
type OutputTranscript struct {
	Text  string
	Final bool
}

// TurnKind distinguishes the two ends of a model turn.
type TurnKind int

const (
	// TurnStarted marks the model beginning to answer.
	TurnStarted TurnKind = iota + 1
	// TurnCompleted marks the model finishing (or being interrupted).
	TurnCompleted
)

// String returns "started" or "completed".
func (k TurnKind) String() string {
	switch k {
	case TurnStarted:
		return "started"
	case TurnCompleted:
		return "completed"
	default:
		return fmt.Sprintf("TurnKind(%d)", int(k))
	}
}

// TurnBoundary marks the start or end of a model turn.
type TurnBoundary struct {
	Kind TurnKind
}

// ToolCall is the model proposing a side-effecting function invocation. It
// is never executed by this module; it becomes a pending action.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// StreamError is the terminal message delivered to stream consumers when the
// session ends abnormally.
type StreamError struct {
	Reason string
}

func (AudioFrame) serverMessage()       {}
func (InputTranscript) serverMessage()  {}
func (OutputTranscript) serverMessage() {}
func (TurnBoundary) serverMessage()     {}
func (ToolCall) serverMessage()         {}
func (StreamError) serverMessage()      {}

// ToolDefinition describes a function the model may propose.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object.
	Parameters map[string]any
}

// SessionConfig is sent to the backend once, when the session is opened.
type SessionConfig struct {
	// Voice is the backend-specific prebuilt voice name. Empty uses the
	// backend default.
	Voice string

	// Language is a BCP-47 code hinting the conversation language.
	Language string

	// Instructions is the system prompt.
	Instructions string

	// InputTranscription enables transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription enables transcripts of the model's speech.
	OutputTranscription bool

	// Tools lists the functions the model may propose.
	Tools []ToolDefinition
}

// Conn is an open live session. Recv must only be called from one goroutine.
type Conn interface {
	// Recv blocks for the next message. It returns io.EOF when the backend
	// closed the session cleanly and another error when the session broke.
	// After the first error every further call returns an error.
	Recv(ctx context.Context) (ServerMessage, error)

	// SendAudio streams one chunk of PCM16 mono at audio.FormatBackendInput.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendToolResponse answers a [ToolCall] by ID.
	SendToolResponse(ctx context.Context, callID, name string, result map[string]any) error

	// Close terminates the session. Idempotent; a pending Recv returns.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect dials the backend, sends cfg and waits for the backend to
	// acknowledge it. The returned Conn is ready for audio.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}
