package live

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Recv and the send methods after Close.
var ErrClosed = errors.New("live: session closed")

// Inbox buffers decoded messages between a provider's receive goroutine and
// [Conn.Recv]. Messages put before Finish are still delivered; afterwards
// Recv reports the terminal error.
type Inbox struct {
	ch   chan ServerMessage
	done chan struct{}
	once sync.Once
	err  error
}

// NewInbox returns an Inbox holding up to size undelivered messages.
func NewInbox(size int) *Inbox {
	return &Inbox{
		ch:   make(chan ServerMessage, size),
		done: make(chan struct{}),
	}
}

// Put queues m, blocking while the inbox is full. It returns false when ctx
// ends or the inbox was finished.
func (b *Inbox) Put(ctx context.Context, m ServerMessage) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ch <- m:
		return true
	case <-b.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal error. A nil err is reported as io.EOF. Only
// the first call has an effect.
func (b *Inbox) Finish(err error) {
	b.once.Do(func() {
		if err == nil {
			err = io.EOF
		}
		b.err = err
		close(b.done)
	})
}

// Done is closed once Finish has been called.
func (b *Inbox) Done() <-chan struct{} { return b.done }

// Recv implements the [Conn.Recv] contract on top of the buffer.
func (b *Inbox) Recv(ctx context.Context) (ServerMessage, error) {
	select {
	case m := <-b.ch:
		return m, nil
	case <-b.done:
		select {
		case m := <-b.ch:
			return m, nil
		default:
			return nil, b.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
