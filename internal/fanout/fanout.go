// Package fanout broadcasts one single-read ordered stream to a fixed set of
// independent consumers.
//
// A single pump goroutine reads the source and pushes every value into each
// consumer's private bounded queue. Pushes never block: a consumer that falls
// behind only grows its own backlog until the queue bound, at which point
// the configured [Policy] decides what happens to that consumer alone.
//
// When the source ends, every consumer observes the end exactly once, after
// the values queued before it.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultQueueSize is the per-consumer bound used when none is configured.
const DefaultQueueSize = 256

var (
	// ErrClosed is returned by Attach after the stream ended, and by
	// Consumer.Next after Close.
	ErrClosed = errors.New("fanout: closed")

	// ErrConsumerOverflow ends a consumer whose queue overflowed under
	// [FailFast].
	ErrConsumerOverflow = errors.New("fanout: consumer queue overflow")
)

// Source is a single-read ordered stream. Recv returns io.EOF on a clean end.
type Source[T any] interface {
	Recv(ctx context.Context) (T, error)
}

// Policy decides what happens when a consumer's queue is full.
type Policy int

const (
	// DropOldest discards the oldest queued value to make room.
	DropOldest Policy = iota
	// FailFast ends the consumer with ErrConsumerOverflow.
	FailFast
)

// String returns "drop_oldest" or "fail_fast".
func (p Policy) String() string {
	if p == FailFast {
		return "fail_fast"
	}
	return "drop_oldest"
}

type options struct {
	queueSize int
	policy    Policy
	onDrop    func(consumer string)
	terminal  any
}

// Option configures a [Fanout].
type Option func(*options)

// WithQueueSize bounds each consumer's queue. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithPolicy sets the overflow policy. Default: [DropOldest].
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithOnDrop registers a hook called once per value discarded by
// DropOldest. It runs on the pump goroutine and must not block.
func WithOnDrop(fn func(consumer string)) Option {
	return func(o *options) { o.onDrop = fn }
}

// WithTerminal maps an abnormal upstream error to a final value delivered to
// every consumer before the error itself. Returning false skips the value.
// The function's type parameter must match the Fanout's; [New] panics
// otherwise.
func WithTerminal[T any](fn func(err error) (T, bool)) Option {
	return func(o *options) { o.terminal = fn }
}

// Fanout owns the pump for one source.
type Fanout[T any] struct {
	src      Source[T]
	opts     options
	terminal func(error) (T, bool)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	consumers []*Consumer[T]
	finished  bool
	err       error
}

// New creates a Fanout over src. Nothing is read until Start. It panics if a
// [WithTerminal] option was built for a different element type.
func New[T any](src Source[T], opts ...Option) *Fanout[T] {
	o := options{queueSize: DefaultQueueSize}
	for _, fn := range opts {
		fn(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fanout[T]{
		src:    src,
		opts:   o,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if o.terminal != nil {
		fn, ok := o.terminal.(func(error) (T, bool))
		if !ok {
			panic(fmt.Sprintf("fanout: terminal func %T does not produce %T", o.terminal, *new(T)))
		}
		f.terminal = fn
	}
	return f
}

// Attach adds a consumer. Consumers attached after Start only see values
// read after they attached.
func (f *Fanout[T]) Attach(name string) (*Consumer[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return nil, ErrClosed
	}
	c := &Consumer[T]{
		name:   name,
		size:   f.opts.queueSize,
		policy: f.opts.policy,
		onDrop: f.opts.onDrop,
		notify: make(chan struct{}, 1),
	}
	f.consumers = append(f.consumers, c)
	return c, nil
}

// Start launches the pump. Idempotent.
func (f *Fanout[T]) Start() {
	f.startOnce.Do(func() { go f.pump() })
}

func (f *Fanout[T]) pump() {
	defer close(f.done)
	for {
		v, err := f.src.Recv(f.ctx)
		if err != nil {
			f.finish(err)
			return
		}
		f.mu.Lock()
		for _, c := range f.consumers {
			c.push(v)
		}
		f.mu.Unlock()
	}
}

// finish ends every consumer with the terminal state derived from err.
func (f *Fanout[T]) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true

	consumerErr := err
	var sentinel *T
	switch {
	case f.ctx.Err() != nil:
		consumerErr = ErrClosed
	case errors.Is(err, io.EOF):
		consumerErr = io.EOF
	default:
		f.err = err
		if f.terminal != nil {
			if v, ok := f.terminal(err); ok {
				sentinel = &v
			}
		}
	}
	for _, c := range f.consumers {
		c.end(consumerErr, sentinel)
	}
}

// Close stops the pump and ends every consumer with ErrClosed. It waits for
// the pump to exit, which requires the source to honour context
// cancellation. Idempotent.
func (f *Fanout[T]) Close() {
	f.closeOnce.Do(func() {
		f.cancel()
		started := true
		f.startOnce.Do(func() { started = false })
		if !started {
			f.finish(ErrClosed)
			close(f.done)
			return
		}
		<-f.done
	})
}

// Done is closed once the pump has exited.
func (f *Fanout[T]) Done() <-chan struct{} { return f.done }

// Err returns the abnormal upstream error that ended the stream. It is nil
// while streaming, after a clean end and after Close.
func (f *Fanout[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Consumer is an independent cursor over the broadcast stream. Next must be
// called from one goroutine at a time.
type Consumer[T any] struct {
	name   string
	size   int
	policy Policy
	onDrop func(string)
	notify chan struct{}

	mu      sync.Mutex
	queue   []T
	ended   bool
	err     error
	dropped uint64
}

// Name returns the name given to Attach.
func (c *Consumer[T]) Name() string { return c.name }

func (c *Consumer[T]) push(v T) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	dropped := false
	if len(c.queue) >= c.size {
		if c.policy == FailFast {
			c.queue = nil
			c.ended = true
			c.err = ErrConsumerOverflow
			c.mu.Unlock()
			c.wake()
			return
		}
		var zero T
		c.queue[0] = zero
		c.queue = c.queue[1:]
		c.dropped++
		dropped = true
	}
	c.queue = append(c.queue, v)
	c.mu.Unlock()
	c.wake()
	if dropped && c.onDrop != nil {
		c.onDrop(c.name)
	}
}

// end marks the terminal state. The sentinel, if any, is queued past the
// bound so it is never lost.
func (c *Consumer[T]) end(err error, sentinel *T) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	if sentinel != nil {
		c.queue = append(c.queue, *sentinel)
	}
	c.ended = true
	c.err = err
	c.mu.Unlock()
	c.wake()
}

func (c *Consumer[T]) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available, the stream ended or ctx is done.
// After the end it returns io.EOF for a clean upstream close, ErrClosed after
// Close, ErrConsumerOverflow under FailFast, or the upstream error.
func (c *Consumer[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			v := c.queue[0]
			c.queue[0] = zero
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return v, nil
		}
		if c.ended {
			err := c.err
			c.mu.Unlock()
			return zero, err
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Dropped returns how many values DropOldest discarded for this consumer.
func (c *Consumer[T]) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Backlog returns the number of queued values.
func (c *Consumer[T]) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
