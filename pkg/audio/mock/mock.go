// Package mock provides in-memory implementations of the [audio.CaptureDevice]
// and [audio.PlaybackDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every acquisition and
// release so tests can assert that nothing leaks, and they expose exported
// fields the test sets to control return values.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{}
//	spk := &mock.PlaybackDevice{}
//	// ... run a session ...
//	if mic.Live() != 0 || spk.Live() != 0 {
//	    t.Fatal("device leaked")
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livegate/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture]. Feed frames with [Capture.Push] and
// simulate device loss with [Capture.Fail].
type Capture struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	err    error
	ended  bool
	level  []byte

	// CloseErr is returned by Close.
	CloseErr error

	// OnClose, if set, runs on every Close.
	OnClose func()

	// OnSnapshot, if set, runs on every Snapshot.
	OnSnapshot func()

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCapture returns a Capture whose frame channel buffers up to buf frames.
func NewCapture(buf int) *Capture {
	return &Capture{frames: make(chan audio.AudioFrame, buf)}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Snapshot implements [audio.Meter]. It returns the PCM set by SetLevel.
func (c *Capture) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OnSnapshot != nil {
		c.OnSnapshot()
	}
	if c.level == nil {
		return nil
	}
	out := make([]byte, len(c.level))
	copy(out, c.level)
	return out
}

// SetLevel sets the PCM window returned by Snapshot.
func (c *Capture) SetLevel(pcm []byte) {
	c.mu.Lock()
	c.level = pcm
	c.mu.Unlock()
}

// Push delivers a frame. It returns false if the capture already ended.
func (c *Capture) Push(f audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.frames <- f
	return true
}

// Fail ends the capture with err, as if the device disappeared.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(err)
}

// Err implements [audio.Capture].
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [audio.Capture]. Returns CloseErr.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.endLocked(nil)
	if c.OnClose != nil {
		c.OnClose()
	}
	return c.CloseErr
}

// Closed reports whether Close has been called at least once.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

func (c *Capture) endLocked(err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.frames)
}

// CaptureDevice is a mock [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Capture, if non-nil, is returned by the next Open instead of a fresh one.
	Capture *Capture

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Opened holds every capture handed out, in order.
	Opened []*Capture
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context) (audio.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	c := d.Capture
	d.Capture = nil
	if c == nil {
		c = NewCapture(64)
	}
	d.Opened = append(d.Opened, c)
	return c, nil
}

// Live returns the number of opened captures that have not been closed.
func (d *CaptureDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.Opened {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Last returns the most recently opened capture, or nil.
func (d *CaptureDevice) Last() *Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Opened) == 0 {
		return nil
	}
	return d.Opened[len(d.Opened)-1]
}

var (
	_ audio.Capture       = (*Capture)(nil)
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
)

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock [audio.Playback] that records every played frame.
type Playback struct {
	mu sync.Mutex

	// Format is the format passed to PlaybackDevice.Open.
	Format audio.Format

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OnClose, if set, runs on every Close.
	OnClose func()

	// Played holds every frame passed to Play, in order.
	Played []audio.AudioFrame

	// CallCountClose records how many times Close was called.
	CallCountClose int

	notify chan struct{}
}

// Play implements [audio.Playback].
func (p *Playback) Play(f audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.Played = append(p.Played, f)
	if p.notify != nil {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements [audio.Playback]. Returns CloseErr.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	if p.OnClose != nil {
		p.OnClose()
	}
	return p.CloseErr
}

// PlayedCount returns len(Played) under the lock.
func (p *Playback) PlayedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Played)
}

// Closed reports whether Close has been called at least once.
func (p *Playback) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountClose > 0
}

// Notify returns a channel that receives a value (best effort) after each Play.
func (p *Playback) Notify() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notify == nil {
		p.notify = make(chan struct{}, 1)
	}
	return p.notify
}

// PlaybackDevice is a mock [audio.PlaybackDevice].
type PlaybackDevice struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// PlayErr is copied into every Playback handed out.
	PlayErr error

	// CloseErr is copied into every Playback handed out.
	CloseErr error

	// OnClose is copied into every Playback handed out.
	OnClose func()

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Opened holds every playback handed out, in order.
	Opened []*Playback
}

// Open implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Open(_ context.Context, format audio.Format) (audio.Playback, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	p := &Playback{Format: format, PlayErr: d.PlayErr, CloseErr: d.CloseErr, OnClose: d.OnClose}
	d.Opened = append(d.Opened, p)
	return p, nil
}

// Live returns the number of opened playbacks that have not been closed.
func (d *PlaybackDevice) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.Opened {
		if !p.Closed() {
			n++
		}
	}
	return n
}

// Last returns the most recently opened playback, or nil.
func (d *PlaybackDevice) Last() *Playback {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Opened) == 0 {
		return nil
	}
	return d.Opened[len(d.Opened)-1]
}

var (
	_ audio.Playback       = (*Playback)(nil)
	_ audio.PlaybackDevice = (*PlaybackDevice)(nil)
)
