package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livegate/internal/observe"
	"github.com/MrWong99/livegate/pkg/provider/live"
)

// GuardedProvider wraps a [live.Provider] with a [CircuitBreaker] on Connect.
// Established connections are returned untouched; stream faults after the
// handshake do not count against the breaker.
type GuardedProvider struct {
	name    string
	inner   live.Provider
	breaker *CircuitBreaker
	metrics *observe.Metrics
}

var _ live.Provider = (*GuardedProvider)(nil)

// GuardOption configures a [GuardedProvider].
type GuardOption func(*GuardedProvider)

// WithGuardMetrics records connect attempts and latency on m.
func WithGuardMetrics(m *observe.Metrics) GuardOption {
	return func(g *GuardedProvider) { g.metrics = m }
}

// NewGuardedProvider wraps inner. cfg.Name defaults to name.
func NewGuardedProvider(name string, inner live.Provider, cfg CircuitBreakerConfig, opts ...GuardOption) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = name
	}
	g := &GuardedProvider{
		name:    name,
		inner:   inner,
		breaker: NewCircuitBreaker(cfg),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Connect implements [live.Provider]. While the breaker is open it fails
// immediately with an error wrapping [ErrCircuitOpen].
func (g *GuardedProvider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	var conn live.Conn
	start := time.Now()
	err := g.breaker.Execute(func() error {
		var err error
		conn, err = g.inner.Connect(ctx, cfg)
		return err
	})

	if g.metrics != nil {
		status := "ok"
		switch {
		case errors.Is(err, ErrCircuitOpen):
			status = "rejected"
		case err != nil:
			status = "error"
		default:
			g.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
		}
		g.metrics.RecordProviderRequest(ctx, g.name, status)
	}

	if err != nil {
		return nil, fmt.Errorf("resilience: %s: %w", g.name, err)
	}
	return conn, nil
}

// State reports the breaker state. Used by readiness checks.
func (g *GuardedProvider) State() State { return g.breaker.State() }

// Name returns the provider name.
func (g *GuardedProvider) Name() string { return g.name }

// Open reports whether new connects are currently rejected.
func (g *GuardedProvider) Open() bool { return g.breaker.State() == StateOpen }
