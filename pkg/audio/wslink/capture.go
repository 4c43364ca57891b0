package wslink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livegate/pkg/audio"
)

type captureDevice struct{ l *Link }

// Open asks the linked browser for microphone access and waits for its
// answer.
func (d captureDevice) Open(ctx context.Context) (audio.Capture, error) {
	c, err := d.l.current()
	if err != nil {
		return nil, err
	}

	answer := make(chan bool, 1)
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, fmt.Errorf("wslink: browser disconnected: %w", audio.ErrDeviceUnavailable)
	case c.capture != nil || c.consent != nil:
		c.mu.Unlock()
		return nil, fmt.Errorf("wslink: capture already in use: %w", audio.ErrDeviceUnavailable)
	}
	c.consent = answer
	c.mu.Unlock()

	clearConsent := func() {
		c.mu.Lock()
		if c.consent == answer {
			c.consent = nil
		}
		c.mu.Unlock()
	}

	if err := c.writeControl(ctx, controlMessage{Type: "capture.start"}); err != nil {
		clearConsent()
		return nil, fmt.Errorf("wslink: request capture: %v: %w", err, audio.ErrDeviceUnavailable)
	}

	timer := time.NewTimer(d.l.consentTimeout)
	defer timer.Stop()

	select {
	case granted := <-answer:
		if !granted {
			return nil, fmt.Errorf("wslink: microphone access refused: %w", audio.ErrPermissionDenied)
		}
	case <-c.done:
		return nil, fmt.Errorf("wslink: browser disconnected: %w", audio.ErrDeviceUnavailable)
	case <-timer.C:
		clearConsent()
		return nil, fmt.Errorf("wslink: no answer to microphone request within %s: %w", d.l.consentTimeout, audio.ErrPermissionDenied)
	case <-ctx.Done():
		clearConsent()
		return nil, fmt.Errorf("wslink: waiting for microphone consent: %w", ctx.Err())
	}

	cp := &capture{
		client: c,
		tap:    audio.NewTap(d.l.meterWindow),
		frames: make(chan audio.AudioFrame, frameBuffer),
		start:  time.Now(),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("wslink: browser disconnected: %w", audio.ErrDeviceUnavailable)
	}
	c.capture = cp
	c.mu.Unlock()
	return cp, nil
}

// capture is an [audio.Capture] fed by the browser's binary messages.
type capture struct {
	client *client
	tap    *audio.Tap
	start  time.Time

	mu      sync.Mutex
	frames  chan audio.AudioFrame
	ended   bool
	err     error
	dropped int
}

func (cp *capture) push(f audio.AudioFrame) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.ended {
		return
	}
	cp.tap.Write(f.Data)
	f.Timestamp = time.Since(cp.start)
	select {
	case cp.frames <- f:
	default:
		cp.dropped++
		if cp.dropped == 1 || cp.dropped%100 == 0 {
			slog.Warn("wslink: capture consumer is behind, dropping frames", "dropped", cp.dropped)
		}
	}
}

// end closes the frame channel. It reports whether this call ended it.
func (cp *capture) end(err error) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.ended {
		return false
	}
	cp.ended = true
	cp.err = err
	close(cp.frames)
	return true
}

func (cp *capture) Frames() <-chan audio.AudioFrame { return cp.frames }

func (cp *capture) Snapshot() []byte { return cp.tap.Snapshot() }

func (cp *capture) Err() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.err
}

// Close releases the microphone. The browser is told to stop capturing
// unless it already went away.
func (cp *capture) Close() error {
	c := cp.client
	c.mu.Lock()
	if c.capture == cp {
		c.capture = nil
	}
	gone := c.closed
	c.mu.Unlock()

	if !cp.end(nil) || gone {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := c.writeControl(ctx, controlMessage{Type: "capture.stop"}); err != nil {
		slog.Debug("wslink: capture.stop not delivered", "err", err)
	}
	return nil
}

var (
	_ audio.CaptureDevice = captureDevice{}
	_ audio.Capture       = (*capture)(nil)
)
