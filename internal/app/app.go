// Package app wires the livegate subsystems into a running server.
//
// New builds every subsystem from the config: the action store (Postgres
// or in memory), the review mediator, the guarded live provider, the browser
// audio link, the session controller and the HTTP API. Shutdown tears them
// down in reverse order.
//
// Tests inject doubles through functional options ([WithActionStore],
// [WithDevices], [WithMetrics]).
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/livegate/internal/action"
	"github.com/MrWong99/livegate/internal/api"
	"github.com/MrWong99/livegate/internal/config"
	"github.com/MrWong99/livegate/internal/health"
	"github.com/MrWong99/livegate/internal/observe"
	"github.com/MrWong99/livegate/internal/resilience"
	"github.com/MrWong99/livegate/internal/session"
	"github.com/MrWong99/livegate/internal/store/postgres"
	"github.com/MrWong99/livegate/internal/transcript"
	"github.com/MrWong99/livegate/pkg/audio"
	"github.com/MrWong99/livegate/pkg/audio/wslink"
	"github.com/MrWong99/livegate/pkg/provider/live"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	store       *postgres.Store
	actions     action.Store
	transcripts *postgres.TranscriptLog
	mediator    *action.Mediator
	provider    *resilience.GuardedProvider
	link        *wslink.Link
	capture     audio.CaptureDevice
	playback    audio.PlaybackDevice
	hub         *session.Hub
	sessions    *SessionManager
	metrics     *observe.Metrics
	metricsH    http.Handler
	server      *api.Server

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithActionStore injects an action store instead of creating one from
// config.
func WithActionStore(s action.Store) Option {
	return func(a *App) { a.actions = s }
}

// WithDevices replaces the browser audio link with the given devices.
func WithDevices(capture audio.CaptureDevice, playback audio.PlaybackDevice) Option {
	return func(a *App) {
		a.capture = capture
		a.playback = playback
	}
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// New wires an App. provider is the live backend selected from the config
// registry; it is wrapped in a circuit breaker here.
func New(ctx context.Context, cfg *config.Config, provider live.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, hub: session.NewHub()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Review queue ──────────────────────────────────────────────────
	a.mediator = action.NewMediator(a.actions, action.WithMetrics(a.metrics))

	// ── 3. Provider ──────────────────────────────────────────────────────
	a.provider = resilience.NewGuardedProvider(cfg.Provider.Name, provider, resilience.CircuitBreakerConfig{
		Name:         cfg.Provider.Name,
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
	}, resilience.WithGuardMetrics(a.metrics))

	// ── 4. Audio devices ─────────────────────────────────────────────────
	if a.capture == nil || a.playback == nil {
		a.link = wslink.New(
			wslink.WithCaptureFormat(audio.Format{SampleRate: cfg.Audio.CaptureSampleRate, Channels: 1}),
			wslink.WithConsentTimeout(cfg.Audio.ConsentTimeout),
			wslink.WithOriginPatterns(cfg.Audio.AllowedOrigins...),
		)
		a.capture = a.link.Capture()
		a.playback = a.link.Playback()
	}

	// ── 5. Session ───────────────────────────────────────────────────────
	var recorder transcript.Recorder
	if a.transcripts != nil {
		recorder = a.transcripts
	}
	a.sessions = NewSessionManager(session.New(session.Config{
		Capture:   a.capture,
		Playback:  a.playback,
		Provider:  a.provider,
		Proposer:  a.mediator,
		Recorder:  recorder,
		Metrics:   a.metrics,
		Settings:  SessionSettings(cfg.Session),
		Callbacks: a.hub.Callbacks(),
	}))

	// ── 6. HTTP API ──────────────────────────────────────────────────────
	a.server = api.New(a.apiConfig())

	slog.Info("app: initialised",
		"provider", cfg.Provider.Name,
		"postgres", a.store != nil,
		"browser_audio", a.link != nil,
	)
	return a, nil
}

// initStore opens Postgres when configured, otherwise keeps actions in
// memory. An injected action store wins over both.
func (a *App) initStore(ctx context.Context) error {
	if a.actions != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		a.actions = action.NewMemStore()
		return nil
	}
	st, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = st
	a.actions = st.Actions()
	a.transcripts = st.Transcripts()
	return nil
}

func (a *App) apiConfig() api.Config {
	checkers := []health.Checker{health.Provider(a.provider)}
	if a.store != nil {
		checkers = append(checkers, health.Store(a.store))
	}
	cfg := api.Config{
		Sessions:       a.sessions,
		Events:         a.hub,
		Actions:        a.mediator,
		Health:         health.New(checkers...),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsH,
		OriginPatterns: a.cfg.Audio.AllowedOrigins,
	}
	if a.transcripts != nil {
		cfg.Transcripts = a.transcripts
	}
	if a.link != nil {
		cfg.Audio = a.link
	}
	return cfg
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.server }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Mediator returns the action review queue.
func (a *App) Mediator() *action.Mediator { return a.mediator }

// ApplyConfig applies a reloaded config. Session settings take effect on
// the next Start; the log level is handled by the caller.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.SessionChanged {
		a.sessions.Apply(next.Session)
		slog.Info("app: session settings updated; applied at next start")
	}
}

// Shutdown stops the running session and closes the stores. A session
// whose teardown outlives ctx is abandoned. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			a.sessions.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: session teardown: %w", ctx.Err())
		}
		if a.store != nil {
			a.store.Close()
		}
		slog.Info("app: shut down")
	})
	return err
}
