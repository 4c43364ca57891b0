// Package volume polls a capture meter and reports a normalised input level
// for UI display.
package volume

import (
	"sync"
	"time"

	"github.com/MrWong99/livegate/pkg/audio"
)

// DefaultInterval is the polling cadence used when none is configured.
const DefaultInterval = 50 * time.Millisecond

type options struct {
	interval time.Duration
}

// Option configures a probe.
type Option func(*options)

// WithInterval sets the polling cadence. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// Attach starts polling src and calls onLevel with the RMS amplitude of the
// latest window, normalised to [0, 1], once per interval. The probe never
// owns or closes src.
//
// The returned cancel stops polling and returns only after the polling
// goroutine exited, so onLevel is never called after cancel returns. cancel
// is idempotent.
func Attach(src audio.Meter, onLevel func(float64), opts ...Option) (cancel func()) {
	o := options{interval: DefaultInterval}
	for _, fn := range opts {
		fn(&o)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// A cancel racing the tick wins.
				select {
				case <-stop:
					return
				default:
				}
				onLevel(audio.RMS(src.Snapshot()))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}
