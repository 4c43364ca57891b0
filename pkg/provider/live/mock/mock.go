// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted connections. Use
// Conn to drive the server message stream and inspect what the session sent
// back.
//
// Example:
//
//	conn := mock.NewConn(16)
//	p := &mock.Provider{Conn: conn}
//	// ... start a session against p ...
//	conn.Emit(live.InputTranscript{Text: "ciao"})
//	conn.End(nil) // clean close
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livegate/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Conn is returned by the next Connect. If nil, Connect returns a fresh
	// Conn with a 64-message buffer.
	Conn *Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if set, runs before Connect returns and may block or fail.
	// A non-nil error is returned from Connect.
	ConnectFunc func(ctx context.Context) error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Opened holds every Conn handed out, in order.
	Opened []*Conn
}

// Connect records the call and returns Conn, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	fn := p.ConnectFunc
	p.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := p.Conn
	p.Conn = nil
	if c == nil {
		c = NewConn(64)
	}
	p.Opened = append(p.Opened, c)
	return c, nil
}

// CallCountConnect returns len(ConnectCalls) under the lock.
func (p *Provider) CallCountConnect() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Live returns the number of opened connections that were never closed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Opened {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Last returns the most recently opened Conn, or nil.
func (p *Provider) Last() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Opened) == 0 {
		return nil
	}
	return p.Opened[len(p.Opened)-1]
}

var _ live.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Conn.SendAudio.
type SendAudioCall struct {
	// PCM is a copy of the bytes passed to SendAudio.
	PCM []byte
}

// ToolResponseCall records a single invocation of Conn.SendToolResponse.
type ToolResponseCall struct {
	CallID string
	Name   string
	Result map[string]any
}

// Conn is a mock implementation of live.Conn backed by a [live.Inbox].
type Conn struct {
	inbox *live.Inbox

	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResponseErr, if non-nil, is returned by every SendToolResponse call.
	SendToolResponseErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// OnClose, if set, runs on every Close.
	OnClose func()

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// ToolResponses records every call to SendToolResponse in order.
	ToolResponses []ToolResponseCall

	// CallCountClose is the number of times Close was called.
	CallCountClose int

	sent chan struct{}
}

// NewConn returns a Conn whose inbox buffers up to buf messages.
func NewConn(buf int) *Conn {
	return &Conn{inbox: live.NewInbox(buf), sent: make(chan struct{}, 1)}
}

// Emit queues a server message. It blocks while the buffer is full and
// returns false once the stream has ended.
func (c *Conn) Emit(m live.ServerMessage) bool {
	return c.inbox.Put(context.Background(), m)
}

// End terminates the stream. nil means a clean close by the backend.
func (c *Conn) End(err error) {
	c.inbox.Finish(err)
}

// Recv implements live.Conn.
func (c *Conn) Recv(ctx context.Context) (live.ServerMessage, error) {
	return c.inbox.Recv(ctx)
}

// SendAudio records the call and returns SendAudioErr.
func (c *Conn) SendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.SendAudioCalls = append(c.SendAudioCalls, SendAudioCall{PCM: cp})
	c.signal()
	return c.SendAudioErr
}

// SendToolResponse records the call and returns SendToolResponseErr.
func (c *Conn) SendToolResponse(_ context.Context, callID, name string, result map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ToolResponses = append(c.ToolResponses, ToolResponseCall{CallID: callID, Name: name, Result: result})
	c.signal()
	return c.SendToolResponseErr
}

func (c *Conn) signal() {
	select {
	case c.sent <- struct{}{}:
	default:
	}
}

// Sent returns a channel that receives a value (best effort) after each
// SendAudio or SendToolResponse.
func (c *Conn) Sent() <-chan struct{} { return c.sent }

// Close ends the stream with live.ErrClosed and returns CloseErr.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.inbox.Finish(live.ErrClosed)
	if c.OnClose != nil {
		c.OnClose()
	}
	return c.CloseErr
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// SendAudioCount returns len(SendAudioCalls) under the lock.
func (c *Conn) SendAudioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.SendAudioCalls)
}

// ToolResponseCalls returns a copy of ToolResponses under the lock.
func (c *Conn) ToolResponseCalls() []ToolResponseCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolResponseCall, len(c.ToolResponses))
	copy(out, c.ToolResponses)
	return out
}

var _ live.Conn = (*Conn)(nil)
