package app

import (
	"context"
	"sync"

	"github.com/MrWong99/livegate/internal/config"
	"github.com/MrWong99/livegate/internal/fanout"
	"github.com/MrWong99/livegate/internal/session"
)

// SessionManager serializes lifecycle calls to the session controller.
// HTTP handlers call it concurrently; the controller requires one caller at
// a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu   sync.Mutex
	ctrl *session.Controller
}

// NewSessionManager wraps ctrl.
func NewSessionManager(ctrl *session.Controller) *SessionManager {
	return &SessionManager{ctrl: ctrl}
}

// Start begins a new session. Returns [session.ErrSessionActive] while one
// is running.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl.Start(ctx)
}

// Stop ends the running session, if any, and waits for teardown.
func (sm *SessionManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ctrl.Stop()
}

// Snapshot returns the session state without waiting for lifecycle calls.
func (sm *SessionManager) Snapshot() session.Snapshot {
	return sm.ctrl.Snapshot()
}

// Apply makes cfg the settings of the next session.
func (sm *SessionManager) Apply(cfg config.SessionConfig) {
	sm.ctrl.SetSettings(SessionSettings(cfg))
}

// SessionSettings converts the session config section.
func SessionSettings(cfg config.SessionConfig) session.Settings {
	policy := fanout.DropOldest
	if cfg.Overflow == config.OverflowFailFast {
		policy = fanout.FailFast
	}
	return session.Settings{
		Live:           cfg.Live(),
		ContextScope:   cfg.ContextScope,
		QueueSize:      cfg.QueueSize,
		Overflow:       policy,
		ProbeInterval:  cfg.ProbeInterval,
		ConnectTimeout: cfg.ConnectTimeout,
	}
}
