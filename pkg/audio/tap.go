package audio

import "sync"

// Tap is a side buffer holding the most recent window of captured PCM. Capture
// implementations write every frame to it so that a [Meter] can be served
// without touching the primary frame channel.
//
// The zero value is not usable; create one with [NewTap].
type Tap struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

// NewTap returns a Tap keeping the last window bytes. Odd sizes are rounded
// up so that snapshots always hold whole int16 samples.
func NewTap(window int) *Tap {
	if window < 2 {
		window = 2
	}
	if window%2 != 0 {
		window++
	}
	return &Tap{buf: make([]byte, 0, window), size: window}
}

// Write appends pcm, discarding the oldest bytes beyond the window.
func (t *Tap) Write(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(pcm) >= t.size {
		t.buf = append(t.buf[:0], pcm[len(pcm)-t.size:]...)
		return
	}
	if overflow := len(t.buf) + len(pcm) - t.size; overflow > 0 {
		t.buf = append(t.buf[:0], t.buf[overflow:]...)
	}
	t.buf = append(t.buf, pcm...)
}

// Snapshot implements [Meter].
func (t *Tap) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) == 0 {
		return nil
	}
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}

// Reset empties the buffer.
func (t *Tap) Reset() {
	t.mu.Lock()
	t.buf = t.buf[:0]
	t.mu.Unlock()
}

var _ Meter = (*Tap)(nil)
