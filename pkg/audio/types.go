// Package audio defines the capture and playback abstractions a live session
// acquires, plus the PCM helpers shared by device implementations.
//
// All PCM handled by this package is little-endian signed 16-bit.
package audio

import "time"

// AudioFrame is a single chunk of PCM audio flowing between a device and the
// inference backend.
type AudioFrame struct {
	// Data holds interleaved int16 little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for browser capture, 16000 for backend input).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format reports the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Well-known formats used by the live backends.
var (
	// FormatBackendInput is what both live backends expect on the uplink.
	FormatBackendInput = Format{SampleRate: 16000, Channels: 1}

	// FormatBackendOutput is what both live backends emit as model audio.
	FormatBackendOutput = Format{SampleRate: 24000, Channels: 1}
)
