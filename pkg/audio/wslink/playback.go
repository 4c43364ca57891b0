package wslink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livegate/pkg/audio"
)

// ErrPlaybackBacklog is returned by Play when the browser is not keeping up
// and the frame was dropped.
var ErrPlaybackBacklog = errors.New("wslink: playback backlog full")

// ErrPlaybackClosed is returned by Play after Close.
var ErrPlaybackClosed = errors.New("wslink: playback closed")

type playbackDevice struct{ l *Link }

// Open tells the linked browser to prepare an output of the given format.
func (d playbackDevice) Open(ctx context.Context, format audio.Format) (audio.Playback, error) {
	c, err := d.l.current()
	if err != nil {
		return nil, err
	}
	msg := controlMessage{Type: "playback.start", SampleRate: format.SampleRate, Channels: format.Channels}
	if err := c.writeControl(ctx, msg); err != nil {
		return nil, fmt.Errorf("wslink: start playback: %v: %w", err, audio.ErrDeviceUnavailable)
	}
	p := &playback{
		client: c,
		queue:  make(chan audio.AudioFrame, frameBuffer),
		stop:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.writeLoop()
	return p, nil
}

// playback forwards frames to the browser from its own goroutine so that
// Play never waits on the network.
type playback struct {
	client *client
	queue  chan audio.AudioFrame
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (p *playback) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.client.done:
			return
		case f := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
			err := p.client.conn.Write(ctx, websocket.MessageBinary, f.Data)
			cancel()
			if err != nil {
				slog.Debug("wslink: playback write failed", "err", err)
				return
			}
		}
	}
}

func (p *playback) Play(f audio.AudioFrame) error {
	select {
	case <-p.stop:
		return ErrPlaybackClosed
	default:
	}
	select {
	case p.queue <- f:
		return nil
	default:
		return ErrPlaybackBacklog
	}
}

// Close stops the writer and tells the browser to flush its output.
func (p *playback) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
		select {
		case <-p.client.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		defer cancel()
		if err := p.client.writeControl(ctx, controlMessage{Type: "playback.stop"}); err != nil {
			slog.Debug("wslink: playback.stop not delivered", "err", err)
		}
	})
	return nil
}

var (
	_ audio.PlaybackDevice = playbackDevice{}
	_ audio.Playback       = (*playback)(nil)
)
