package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/livegate/internal/action"
)

// actionColumns is the column list shared by every action query. Its order
// matches [scanAction].
const actionColumns = `id, function_name, args, origin, context_scope, session_id,
		       tool_call_id, status, created_at, resolved_at, resolved_by`

// ActionStore is an [action.Store] backed by the pending_actions table.
// Resolution is a conditional UPDATE so concurrent reviewers on different
// processes still commit at most one terminal transition.
type ActionStore struct {
	db       DB
	notifier Notifier
}

var _ action.Store = (*ActionStore)(nil)

// NewActionStore creates an ActionStore. notifier may be nil, in which case
// Watch is unavailable.
func NewActionStore(db DB, notifier Notifier) *ActionStore {
	return &ActionStore{db: db, notifier: notifier}
}

// Create implements [action.Store].
func (s *ActionStore) Create(ctx context.Context, a action.PendingAction) error {
	args, err := json.Marshal(emptyArgs(a.Args))
	if err != nil {
		return fmt.Errorf("action store: marshal args: %w", err)
	}

	const q = `
		INSERT INTO pending_actions
		    (id, function_name, args, origin, context_scope, session_id, tool_call_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.Exec(ctx, q,
		a.ID, a.FunctionName, args, string(a.Origin), a.ContextScope,
		a.SessionID, a.ToolCallID, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("action store: action %q already exists", a.ID)
		}
		return fmt.Errorf("action store: create: %w", err)
	}
	return nil
}

// Get implements [action.Store].
func (s *ActionStore) Get(ctx context.Context, id string) (action.PendingAction, error) {
	q := `SELECT ` + actionColumns + ` FROM pending_actions WHERE id = $1`
	a, err := scanAction(s.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return action.PendingAction{}, action.ErrNotFound
		}
		return action.PendingAction{}, fmt.Errorf("action store: get %q: %w", id, err)
	}
	return a, nil
}

// List implements [action.Store]. The scope filter runs in Go over the full
// table so it matches [action.PendingAction.InScope] exactly.
func (s *ActionStore) List(ctx context.Context, scope *string) ([]action.PendingAction, error) {
	q := `SELECT ` + actionColumns + ` FROM pending_actions ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("action store: list: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (action.PendingAction, error) {
		return scanAction(row)
	})
	if err != nil {
		return nil, fmt.Errorf("action store: scan rows: %w", err)
	}
	out = slices.DeleteFunc(out, func(a action.PendingAction) bool { return !a.InScope(scope) })
	if out == nil {
		out = []action.PendingAction{}
	}
	return out, nil
}

// Resolve implements [action.Store]. The WHERE status = 'pending' guard is
// the compare-and-set: a losing update matches no row.
func (s *ActionStore) Resolve(ctx context.Context, id string, status action.Status, reviewer string, at time.Time) (action.PendingAction, error) {
	if !status.Terminal() {
		return action.PendingAction{}, fmt.Errorf("action store: resolve %q: invalid status %q", id, status)
	}

	q := `
		UPDATE pending_actions
		SET    status = $2, resolved_by = $3, resolved_at = $4
		WHERE  id = $1 AND status = 'pending'
		RETURNING ` + actionColumns

	a, err := scanAction(s.db.QueryRow(ctx, q, id, string(status), reviewer, at))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return action.PendingAction{}, fmt.Errorf("action store: resolve %q: %w", id, err)
	}

	// No row updated: either missing or already resolved.
	current, err := s.Get(ctx, id)
	if err != nil {
		return action.PendingAction{}, err
	}
	return current, action.ErrConflict
}

// Watch implements [action.Store]. Each notification carries an action ID;
// the row is re-read so subscribers always see committed state.
func (s *ActionStore) Watch(ctx context.Context) (<-chan action.PendingAction, error) {
	if s.notifier == nil {
		return nil, errors.New("action store: watch: no notifier configured")
	}
	ids, err := s.notifier.Listen(ctx, NotifyChannel)
	if err != nil {
		return nil, fmt.Errorf("action store: watch: %w", err)
	}

	out := make(chan action.PendingAction, notifyBuffer)
	go func() {
		defer close(out)
		for id := range ids {
			a, err := s.Get(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("action store: failed to load notified action", "action_id", id, "err", err)
				}
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// scanAction reads one row in [actionColumns] order.
func scanAction(row pgx.Row) (action.PendingAction, error) {
	var (
		a          action.PendingAction
		argsJSON   []byte
		origin     string
		status     string
		resolvedAt *time.Time
	)
	if err := row.Scan(
		&a.ID, &a.FunctionName, &argsJSON, &origin, &a.ContextScope, &a.SessionID,
		&a.ToolCallID, &status, &a.CreatedAt, &resolvedAt, &a.ResolvedBy,
	); err != nil {
		return action.PendingAction{}, err
	}
	a.Origin = action.Origin(origin)
	a.Status = action.Status(status)
	if resolvedAt != nil {
		a.ResolvedAt = *resolvedAt
	}
	if err := json.Unmarshal(argsJSON, &a.Args); err != nil {
		return action.PendingAction{}, fmt.Errorf("unmarshal args: %w", err)
	}
	if a.Args == nil {
		a.Args = map[string]any{}
	}
	return a, nil
}

func emptyArgs(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// isDuplicateKeyError reports whether err is a unique_violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
