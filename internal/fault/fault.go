// Package fault classifies the errors a live session can surface to a user.
//
// Every failure that crosses the session or action boundary is wrapped in an
// [Error] carrying exactly one [Kind]. Callers branch on the kind with
// [errors.Is] and show [Error.Message] to the user; the wrapped error chain
// is for logs only.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/livegate/pkg/audio"
	"github.com/MrWong99/livegate/pkg/provider/live"
)

// Kind is a user-facing failure class. Kind implements error so that
// errors.Is(err, fault.StreamFault) works on any wrapped [Error].
type Kind int

const (
	// PermissionDenied: the user or platform refused device access.
	PermissionDenied Kind = iota + 1
	// DeviceUnavailable: no usable capture or playback device, or it was lost.
	DeviceUnavailable
	// NetworkSetupFailed: the backend session could not be opened.
	NetworkSetupFailed
	// StreamFault: an open backend session broke.
	StreamFault
	// ActionResolutionConflict: a pending action was already resolved.
	ActionResolutionConflict
)

var kindNames = map[Kind]string{
	PermissionDenied:         "permission_denied",
	DeviceUnavailable:        "device_unavailable",
	NetworkSetupFailed:       "network_setup_failed",
	StreamFault:              "stream_fault",
	ActionResolutionConflict: "action_resolution_conflict",
}

var kindMessages = map[Kind]string{
	PermissionDenied:         "Microphone access was denied. Allow access in the browser and try again.",
	DeviceUnavailable:        "No usable audio device is available. Check that a microphone and speakers are connected.",
	NetworkSetupFailed:       "Could not connect to the voice service. Please try again in a moment.",
	StreamFault:              "The voice connection was interrupted.",
	ActionResolutionConflict: "This action has already been resolved.",
}

// String returns the snake_case name used in logs, metrics and JSON.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error.
func (k Kind) Error() string { return k.String() }

// Message returns the human-readable sentence for the kind.
func (k Kind) Message() string {
	if s, ok := kindMessages[k]; ok {
		return s
	}
	return "Something went wrong."
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "open capture".
	Op  string
	Err error
}

// New wraps err with kind and op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error returns the internal description for logs.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

// Message returns the sentence shown to the user. It never includes the
// underlying transport error.
func (e *Error) Message() string { return e.Kind.Message() }

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of the first [Error] in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

// Message returns the user-facing sentence for err. Unclassified errors
// get a generic sentence.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if k := KindOf(err); k != 0 {
		return k.Message()
	}
	return "Something went wrong."
}

// FromDevice classifies a device acquisition or loss error. Permission
// refusals stay PermissionDenied; everything else is DeviceUnavailable.
func FromDevice(op string, err error) *Error {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return New(PermissionDenied, op, err)
	}
	return New(DeviceUnavailable, op, err)
}

// FromConnect classifies a failed backend connect.
func FromConnect(err error) *Error {
	return New(NetworkSetupFailed, "connect backend", err)
}

// FromStream classifies a terminal stream error. It returns nil for a clean
// close (io.EOF) and for a locally closed session.
func FromStream(err error) *Error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, live.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return New(StreamFault, "receive", err)
}
