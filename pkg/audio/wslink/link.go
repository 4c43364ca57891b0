// Package wslink bridges a browser tab's microphone and speakers to the
// [audio.CaptureDevice] and [audio.PlaybackDevice] interfaces over a single
// WebSocket.
//
// The dashboard page connects to the link's HTTP handler. One browser may be
// linked at a time; a new connection replaces the previous one. The protocol
// is:
//
//	server → browser  {"type":"hello"}                        link established
//	server → browser  {"type":"capture.start"}                 ask for the mic
//	browser → server  {"type":"consent","granted":true|false}  user's answer
//	browser → server  binary                                   captured PCM16
//	server → browser  {"type":"capture.stop"}
//	server → browser  {"type":"playback.start","sample_rate":24000,"channels":1}
//	server → browser  binary                                   PCM16 to play
//	server → browser  {"type":"playback.stop"}
//
// Opening a device with no linked browser fails with
// [audio.ErrDeviceUnavailable]; a refused consent fails with
// [audio.ErrPermissionDenied]; a browser that disconnects mid-capture ends
// the capture with [audio.ErrDeviceUnavailable].
package wslink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livegate/pkg/audio"
)

const (
	defaultConsentTimeout = 30 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	frameBuffer           = 64
)

// Option configures a [Link].
type Option func(*Link)

// WithCaptureFormat sets the PCM format the browser streams. Default: 48 kHz mono.
func WithCaptureFormat(f audio.Format) Option {
	return func(l *Link) { l.captureFormat = f }
}

// WithConsentTimeout bounds how long opening the capture waits for the
// user's answer. Default: 30s.
func WithConsentTimeout(d time.Duration) Option {
	return func(l *Link) { l.consentTimeout = d }
}

// WithMeterWindow sets how many bytes of recent capture the level meter
// keeps. Default: 100ms at the capture format.
func WithMeterWindow(n int) Option {
	return func(l *Link) { l.meterWindow = n }
}

// WithOriginPatterns sets the origins allowed to link a browser. Empty
// means same-origin only.
func WithOriginPatterns(patterns ...string) Option {
	return func(l *Link) { l.originPatterns = patterns }
}

// Link is the server side of the browser audio bridge. It implements
// [http.Handler] for the browser endpoint and hands out capture and playback
// devices backed by whichever browser is currently linked.
type Link struct {
	captureFormat  audio.Format
	consentTimeout time.Duration
	meterWindow    int
	originPatterns []string

	mu     sync.Mutex
	client *client
}

// New creates an unlinked Link.
func New(opts ...Option) *Link {
	l := &Link{
		captureFormat:  audio.Format{SampleRate: 48000, Channels: 1},
		consentTimeout: defaultConsentTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	if l.meterWindow <= 0 {
		l.meterWindow = l.captureFormat.SampleRate * l.captureFormat.Channels * 2 / 10
	}
	return l
}

// Linked reports whether a browser is currently connected.
func (l *Link) Linked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

// ServeHTTP upgrades the request to a WebSocket and links the browser until
// either side closes the connection.
func (l *Link) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: l.originPatterns})
	if err != nil {
		slog.Warn("wslink: accept failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	c := &client{conn: conn, done: make(chan struct{})}
	l.mu.Lock()
	prev := l.client
	l.client = c
	l.mu.Unlock()
	if prev != nil {
		slog.Info("wslink: replacing linked browser")
		prev.conn.Close(websocket.StatusPolicyViolation, "replaced by another tab")
	}

	if err := c.writeControl(r.Context(), controlMessage{Type: "hello"}); err != nil {
		l.unlink(c, err)
		return
	}
	slog.Info("wslink: browser linked", "remote", r.RemoteAddr)

	err = l.readLoop(r.Context(), c)
	l.unlink(c, err)
}

func (l *Link) unlink(c *client, cause error) {
	l.mu.Lock()
	if l.client == c {
		l.client = nil
	}
	l.mu.Unlock()
	c.shutdown()
	conn := c.conn
	conn.Close(websocket.StatusNormalClosure, "")
	if cause != nil && websocket.CloseStatus(cause) == -1 && !errors.Is(cause, context.Canceled) {
		slog.Debug("wslink: browser unlinked", "err", cause)
	} else {
		slog.Info("wslink: browser unlinked")
	}
}

func (l *Link) current() (*client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return nil, fmt.Errorf("wslink: no browser linked: %w", audio.ErrDeviceUnavailable)
	}
	return l.client, nil
}

func (l *Link) readLoop(ctx context.Context, c *client) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			c.deliver(audio.AudioFrame{
				Data:       data,
				SampleRate: l.captureFormat.SampleRate,
				Channels:   l.captureFormat.Channels,
			})
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Debug("wslink: ignoring malformed control message", "err", err)
				continue
			}
			if msg.Type == "consent" && msg.Granted != nil {
				c.answerConsent(*msg.Granted)
			}
		}
	}
}

// Capture returns the capture device backed by the linked browser.
func (l *Link) Capture() audio.CaptureDevice { return captureDevice{l} }

// Playback returns the playback device backed by the linked browser.
func (l *Link) Playback() audio.PlaybackDevice { return playbackDevice{l} }

// controlMessage is the JSON envelope of every text frame.
type controlMessage struct {
	Type       string `json:"type"`
	Granted    *bool  `json:"granted,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// client is one linked browser.
type client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	capture *capture
	consent chan bool
	closed  bool
	done    chan struct{}
}

func (c *client) writeControl(ctx context.Context, msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *client) deliver(f audio.AudioFrame) {
	c.mu.Lock()
	cp := c.capture
	c.mu.Unlock()
	if cp != nil {
		cp.push(f)
	}
}

func (c *client) answerConsent(granted bool) {
	c.mu.Lock()
	ch := c.consent
	c.consent = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- granted
	}
}

// shutdown fails any running capture and wakes a pending consent wait.
func (c *client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cp := c.capture
	c.capture = nil
	c.mu.Unlock()
	close(c.done)
	if cp != nil {
		cp.end(fmt.Errorf("wslink: browser disconnected: %w", audio.ErrDeviceUnavailable))
	}
}
