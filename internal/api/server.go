// Package api exposes the session controller and the action review queue to
// the dashboard over HTTP and WebSocket.
//
// Routes (all under /api/v1 unless noted):
//
//	POST /session/start              start a live session
//	POST /session/stop               stop it
//	GET  /session                    current session snapshot
//	GET  /session/events             WebSocket: snapshots, levels, transcripts
//	GET  /session/{id}/transcript    finalised lines of a session
//	GET  /actions?scope=             list actions
//	POST /actions                    propose an action from typed chat
//	GET  /actions/stream?scope=      WebSocket: action snapshot and changes
//	GET  /actions/{id}               one action
//	POST /actions/{id}/approve       approve
//	POST /actions/{id}/reject        reject
//	GET  /audio                      WebSocket: browser audio link
//	GET  /metrics, /healthz, /readyz (root)
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/livegate/internal/action"
	"github.com/MrWong99/livegate/internal/health"
	"github.com/MrWong99/livegate/internal/observe"
	"github.com/MrWong99/livegate/internal/session"
	"github.com/MrWong99/livegate/internal/transcript"
)

// Sessions is the serialized session lifecycle.
type Sessions interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() session.Snapshot
}

// Events streams UI notifications of the session.
type Events interface {
	Subscribe() (<-chan session.Event, func())
}

// Actions is the human-review queue.
type Actions interface {
	Propose(ctx context.Context, p action.Proposal) (string, error)
	Approve(ctx context.Context, id, reviewer string) (action.PendingAction, error)
	Reject(ctx context.Context, id, reviewer string) (action.PendingAction, error)
	Get(ctx context.Context, id string) (action.PendingAction, error)
	List(ctx context.Context, scope *string) ([]action.PendingAction, error)
	Subscribe(ctx context.Context, scope *string) (*action.Subscription, error)
}

// Transcripts reads persisted transcript lines.
type Transcripts interface {
	Session(ctx context.Context, sessionID string) ([]transcript.Entry, error)
}

// Config holds the dependencies of a [Server]. Sessions and Actions are
// required; the rest may be nil.
type Config struct {
	Sessions    Sessions
	Events      Events
	Actions     Actions
	Transcripts Transcripts

	// Audio serves the browser audio link.
	Audio http.Handler

	Health  *health.Handler
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// OriginPatterns lists extra WebSocket origins accepted besides
	// same-origin requests.
	OriginPatterns []string
}

// Server routes dashboard requests.
type Server struct {
	sessions    Sessions
	events      Events
	actions     Actions
	transcripts Transcripts
	origins     []string

	router chi.Router
}

// New builds the router.
func New(cfg Config) *Server {
	s := &Server{
		sessions:    cfg.Sessions,
		events:      cfg.Events,
		actions:     cfg.Actions,
		transcripts: cfg.Transcripts,
		origins:     cfg.OriginPatterns,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(observe.Middleware(cfg.Metrics))
	}

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Health != nil {
		cfg.Health.Mount(r)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleSnapshot)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Get("/events", s.handleSessionEvents)
			r.Get("/{sessionID}/transcript", s.handleTranscript)
		})
		r.Route("/actions", func(r chi.Router) {
			r.Get("/", s.handleListActions)
			r.Post("/", s.handlePropose)
			r.Get("/stream", s.handleActionStream)
			r.Get("/{actionID}", s.handleGetAction)
			r.Post("/{actionID}/approve", s.handleResolve(action.StatusApproved))
			r.Post("/{actionID}/reject", s.handleResolve(action.StatusRejected))
		})
		if cfg.Audio != nil {
			r.Handle("/audio", cfg.Audio)
		}
	})

	s.router = r
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
