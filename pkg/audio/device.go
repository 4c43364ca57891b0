package audio

import (
	"context"
	"errors"
)

// Sentinel errors returned by device implementations when a handle cannot be
// acquired. Callers classify them with [errors.Is].
var (
	// ErrPermissionDenied means the user (or the platform) refused microphone
	// or speaker access.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable means no usable device exists or the existing one
	// disappeared mid-session.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// Meter exposes the most recent window of captured PCM without consuming the
// primary frame stream. A volume probe polls it on a cadence.
type Meter interface {
	// Snapshot returns a copy of the latest PCM window. It returns nil when
	// nothing has been captured yet. Safe for concurrent use.
	Snapshot() []byte
}

// Capture is an open microphone handle.
type Capture interface {
	Meter

	// Frames returns the captured audio. The channel is closed when the
	// capture ends, either through Close or because the device was lost.
	Frames() <-chan AudioFrame

	// Err reports why Frames was closed. It returns nil while capture is
	// running and after a regular Close.
	Err() error

	// Close stops the capture and releases the device. Idempotent.
	Close() error
}

// CaptureDevice acquires capture handles.
type CaptureDevice interface {
	// Open acquires the device. It returns an error wrapping
	// [ErrPermissionDenied] or [ErrDeviceUnavailable] when acquisition fails.
	Open(ctx context.Context) (Capture, error)
}

// Playback is an open speaker handle.
type Playback interface {
	// Play enqueues a frame for output. It must not block for the duration
	// of the audio.
	Play(frame AudioFrame) error

	// Close stops playback, discards queued audio and releases the device.
	// Idempotent.
	Close() error
}

// PlaybackDevice acquires playback handles.
type PlaybackDevice interface {
	// Open acquires the output in the given format.
	Open(ctx context.Context, format Format) (Playback, error)
}
