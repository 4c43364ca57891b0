// Package action mediates tool-call proposals that need human review.
//
// A proposal becomes a [PendingAction] in a shared [Store]. Nothing here ever
// executes an action: a reviewer resolves it out-of-band through
// [Mediator.Approve] or [Mediator.Reject], and exactly one of those
// transitions can ever be committed. Live views are served through
// [Mediator.Subscribe].
package action

import (
	"errors"
	"maps"
	"time"
)

// Sentinel errors returned by [Store] implementations.
var (
	// ErrNotFound means no action exists with the given ID.
	ErrNotFound = errors.New("action: not found")

	// ErrConflict means the action was already resolved.
	ErrConflict = errors.New("action: already resolved")

	// ErrInvalidProposal means a proposal is missing required fields.
	ErrInvalidProposal = errors.New("action: invalid proposal")

	// ErrLagged ends a subscription or watch whose reader fell too far
	// behind. Subscribe again for a fresh snapshot.
	ErrLagged = errors.New("action: subscriber fell behind")
)

// Origin identifies the channel a proposal came from.
type Origin string

const (
	OriginLiveVoice Origin = "live_voice"
	OriginTextChat  Origin = "text_chat"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	return o == OriginLiveVoice || o == OriginTextChat
}

// Status is the lifecycle state of a [PendingAction]. The only transitions
// are pending→approved and pending→rejected.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether s is a resolved state.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// PendingAction is a proposed function call awaiting or past review.
type PendingAction struct {
	ID           string         `json:"id"`
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args"`
	Origin       Origin         `json:"origin"`

	// ContextScope restricts visibility to subscribers of the same scope.
	// Empty means unscoped.
	ContextScope string `json:"context_scope,omitempty"`

	SessionID  string    `json:"session_id,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
}

// InScope reports whether a matches the scope filter. A nil filter matches
// everything.
func (a PendingAction) InScope(scope *string) bool {
	return scope == nil || a.ContextScope == *scope
}

// clone returns a copy whose Args map is not shared with a.
func (a PendingAction) clone() PendingAction {
	a.Args = maps.Clone(a.Args)
	return a
}

// Proposal is the input to [Mediator.Propose].
type Proposal struct {
	FunctionName string
	Args         map[string]any
	Origin       Origin
	ContextScope string
	SessionID    string
	ToolCallID   string
}
