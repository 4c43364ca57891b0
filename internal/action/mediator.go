package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livegate/internal/fault"
	"github.com/MrWong99/livegate/internal/observe"
)

// Option configures a [Mediator].
type Option func(*Mediator)

// WithMetrics records proposals, resolutions and conflicts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(md *Mediator) { md.metrics = m }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(md *Mediator) { md.now = now }
}

// Mediator writes proposals to a [Store] and resolves them. It keeps no
// state of its own; ordering between competing resolutions is decided by
// the store's compare-and-set.
type Mediator struct {
	store   Store
	metrics *observe.Metrics
	now     func() time.Time
}

// NewMediator creates a Mediator over store.
func NewMediator(store Store, opts ...Option) *Mediator {
	m := &Mediator{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Propose records a new pending action and returns its ID. It never
// executes anything.
func (m *Mediator) Propose(ctx context.Context, p Proposal) (_ string, err error) {
	if p.FunctionName == "" {
		return "", fmt.Errorf("%w: empty function name", ErrInvalidProposal)
	}
	if !p.Origin.Valid() {
		return "", fmt.Errorf("%w: unknown origin %q", ErrInvalidProposal, p.Origin)
	}

	ctx, span := observe.StartSpan(ctx, "action.propose", trace.WithAttributes(
		attribute.String("function_name", p.FunctionName),
		attribute.String("origin", string(p.Origin)),
	))
	defer func() { observe.EndSpan(span, err) }()

	args := maps.Clone(p.Args)
	if args == nil {
		args = map[string]any{}
	}
	a := PendingAction{
		ID:           uuid.NewString(),
		FunctionName: p.FunctionName,
		Args:         args,
		Origin:       p.Origin,
		ContextScope: p.ContextScope,
		SessionID:    p.SessionID,
		ToolCallID:   p.ToolCallID,
		Status:       StatusPending,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.Create(ctx, a); err != nil {
		return "", fmt.Errorf("action: propose %s: %w", p.FunctionName, err)
	}
	if m.metrics != nil {
		m.metrics.RecordActionProposed(ctx, string(p.Origin))
	}
	observe.Logger(ctx).Info("action: proposed",
		"action_id", a.ID,
		"function_name", a.FunctionName,
		"origin", a.Origin,
		"context_scope", a.ContextScope,
		"session_id", a.SessionID,
	)
	return a.ID, nil
}

// Approve marks the action approved. A second resolution attempt returns a
// [fault.ActionResolutionConflict] error and leaves the record unchanged.
func (m *Mediator) Approve(ctx context.Context, id, reviewer string) (PendingAction, error) {
	return m.resolve(ctx, id, StatusApproved, reviewer)
}

// Reject marks the action rejected. Conflicts behave as for [Mediator.Approve].
func (m *Mediator) Reject(ctx context.Context, id, reviewer string) (PendingAction, error) {
	return m.resolve(ctx, id, StatusRejected, reviewer)
}

func (m *Mediator) resolve(ctx context.Context, id string, status Status, reviewer string) (_ PendingAction, err error) {
	ctx, span := observe.StartSpan(ctx, "action.resolve", trace.WithAttributes(
		attribute.String("action_id", id),
		attribute.String("status", string(status)),
	))
	defer func() { observe.EndSpan(span, err) }()

	a, err := m.store.Resolve(ctx, id, status, reviewer, m.now().UTC())
	switch {
	case errors.Is(err, ErrConflict):
		if m.metrics != nil {
			m.metrics.ActionConflicts.Add(ctx, 1)
		}
		observe.Logger(ctx).Warn("action: resolution conflict",
			"action_id", id,
			"attempted", status,
			"current", a.Status,
			"reviewer", reviewer,
		)
		return a, fault.New(fault.ActionResolutionConflict, "resolve action", err)
	case err != nil:
		return PendingAction{}, fmt.Errorf("action: resolve %s: %w", id, err)
	}

	if m.metrics != nil {
		m.metrics.RecordActionResolved(ctx, string(status))
	}
	observe.Logger(ctx).Info("action: resolved",
		"action_id", id,
		"status", status,
		"reviewer", reviewer,
	)
	return a, nil
}

// Get returns a single action.
func (m *Mediator) Get(ctx context.Context, id string) (PendingAction, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return PendingAction{}, fmt.Errorf("action: get %s: %w", id, err)
	}
	return a, nil
}

// List returns the actions matching scope, oldest first.
func (m *Mediator) List(ctx context.Context, scope *string) ([]PendingAction, error) {
	out, err := m.store.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("action: list: %w", err)
	}
	return out, nil
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// subscriptionBuffer is the capacity of [Subscription.C].
const subscriptionBuffer = 64

// Subscription is a live view of the actions matching a scope.
type Subscription struct {
	c      chan PendingAction
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// C delivers the initial snapshot followed by every subsequent change. It is
// closed when the subscription ends. A record may be delivered more than
// once; consumers should key by ID.
func (s *Subscription) C() <-chan PendingAction { return s.c }

// Err reports why C was closed: nil after Close or ctx cancellation,
// [ErrLagged] when changes could no longer be delivered in full. Only
// meaningful once C is closed.
func (s *Subscription) Err() error { return s.err }

// Close ends the subscription and waits for its goroutine to exit. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Subscribe opens a live view filtered by scope equality. A nil scope sees
// every action. The subscription ends when ctx is done or Close is called.
func (m *Mediator) Subscribe(ctx context.Context, scope *string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	// Watch before listing so no change falls between snapshot and stream.
	changes, err := m.store.Watch(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("action: subscribe: %w", err)
	}
	snapshot, err := m.store.List(ctx, scope)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("action: subscribe: %w", err)
	}

	var filter *string
	if scope != nil {
		v := *scope
		filter = &v
	}

	sub := &Subscription{
		c:      make(chan PendingAction, subscriptionBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.c)
		for _, a := range snapshot {
			if !sub.send(ctx, a) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-changes:
				if !ok {
					if ctx.Err() == nil {
						sub.err = ErrLagged
						slog.Warn("action: subscription ended, resubscribe required", "scope", scopeLabel(filter))
					}
					return
				}
				if a.InScope(filter) && !sub.send(ctx, a) {
					return
				}
			}
		}
	}()
	slog.Debug("action: subscription opened", "scope", scopeLabel(filter), "snapshot", len(snapshot))
	return sub, nil
}

func (s *Subscription) send(ctx context.Context, a PendingAction) bool {
	select {
	case s.c <- a:
		return true
	case <-ctx.Done():
		return false
	}
}

func scopeLabel(scope *string) string {
	if scope == nil {
		return "*"
	}
	return *scope
}
