package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store persists pending actions. Resolve must be an atomic compare-and-set
// from [StatusPending]; implementations are safe for concurrent use.
type Store interface {
	// Create inserts a new action.
	Create(ctx context.Context, a PendingAction) error

	// Get returns the action with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (PendingAction, error)

	// List returns actions matching scope, oldest first.
	List(ctx context.Context, scope *string) ([]PendingAction, error)

	// Resolve moves a pending action to status. It returns [ErrConflict]
	// without modifying the record when the action is no longer pending.
	Resolve(ctx context.Context, id string, status Status, reviewer string, at time.Time) (PendingAction, error)

	// Watch streams every created or resolved action until ctx is done, at
	// which point the channel is closed. A store that cannot hold a change
	// for a slow reader closes the channel early instead of dropping it.
	Watch(ctx context.Context) (<-chan PendingAction, error)
}

// watchBuffer is the per-watcher channel capacity.
const watchBuffer = 64

// MemStore is an in-process [Store]. It is used when no database is
// configured and in tests.
type MemStore struct {
	mu       sync.Mutex
	records  map[string]PendingAction
	order    []string
	watchers map[chan PendingAction]struct{}
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		records:  make(map[string]PendingAction),
		watchers: make(map[chan PendingAction]struct{}),
	}
}

// Create implements [Store].
func (s *MemStore) Create(_ context.Context, a PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.records[a.ID]; dup {
		return fmt.Errorf("action: create %s: duplicate id", a.ID)
	}
	a = a.clone()
	s.records[a.ID] = a
	s.order = append(s.order, a.ID)
	s.notifyLocked(a)
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return PendingAction{}, ErrNotFound
	}
	return a.clone(), nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, scope *string) ([]PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingAction, 0, len(s.order))
	for _, id := range s.order {
		if a := s.records[id]; a.InScope(scope) {
			out = append(out, a.clone())
		}
	}
	return out, nil
}

// Resolve implements [Store].
func (s *MemStore) Resolve(_ context.Context, id string, status Status, reviewer string, at time.Time) (PendingAction, error) {
	if !status.Terminal() {
		return PendingAction{}, fmt.Errorf("action: resolve %s: invalid status %q", id, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[id]
	if !ok {
		return PendingAction{}, ErrNotFound
	}
	if a.Status != StatusPending {
		return a.clone(), ErrConflict
	}
	a.Status = status
	a.ResolvedAt = at
	a.ResolvedBy = reviewer
	s.records[id] = a
	s.notifyLocked(a)
	return a.clone(), nil
}

// Watch implements [Store].
func (s *MemStore) Watch(ctx context.Context) (<-chan PendingAction, error) {
	ch := make(chan PendingAction, watchBuffer)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dropLocked(ch)
	})
	return ch, nil
}

// notifyLocked fans a change out to watchers without blocking. A watcher
// with a full buffer is closed rather than skipped, so its reader learns it
// missed changes. s.mu must be held.
func (s *MemStore) notifyLocked(a PendingAction) {
	for ch := range s.watchers {
		select {
		case ch <- a.clone():
		default:
			slog.Warn("action: watcher lagging, closed", "action_id", a.ID)
			s.dropLocked(ch)
		}
	}
}

// dropLocked closes ch once. s.mu must be held.
func (s *MemStore) dropLocked(ch chan PendingAction) {
	if _, ok := s.watchers[ch]; !ok {
		return
	}
	delete(s.watchers, ch)
	close(ch)
}
