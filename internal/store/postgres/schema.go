// Package postgres is the shared Postgres store for livegate: the
// pending-action table with its change notifications, and the transcript
// log.
//
// Every component takes a [DB] so that unit tests can run against a mock;
// only [ActionStore.Watch] needs a real pool because LISTEN holds a
// dedicated connection.
//
// Usage:
//
//	store, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	mediator := action.NewMediator(store.Actions())
//	recorder := store.Transcripts()
package postgres

import (
	"context"
	"fmt"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying changed action IDs.
const NotifyChannel = "livegate_actions"

// ─────────────────────────────────────────────────────────────────────────────
// Pending actions
// ─────────────────────────────────────────────────────────────────────────────

const ddlActions = `
CREATE TABLE IF NOT EXISTS pending_actions (
    id             TEXT         PRIMARY KEY,
    function_name  TEXT         NOT NULL,
    args           JSONB        NOT NULL DEFAULT '{}',
    origin         TEXT         NOT NULL,
    context_scope  TEXT         NOT NULL DEFAULT '',
    session_id     TEXT         NOT NULL DEFAULT '',
    tool_call_id   TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL DEFAULT 'pending'
                   CHECK (status IN ('pending', 'approved', 'rejected')),
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    resolved_at    TIMESTAMPTZ,
    resolved_by    TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pending_actions_scope
    ON pending_actions (context_scope, created_at);

CREATE INDEX IF NOT EXISTS idx_pending_actions_status
    ON pending_actions (status);

CREATE OR REPLACE FUNCTION livegate_notify_action() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('` + NotifyChannel + `', NEW.id);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_pending_actions_notify ON pending_actions;
CREATE TRIGGER trg_pending_actions_notify
    AFTER INSERT OR UPDATE ON pending_actions
    FOR EACH ROW EXECUTE FUNCTION livegate_notify_action();
`

// ─────────────────────────────────────────────────────────────────────────────
// Transcript log
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_timestamp
    ON transcript_entries (session_id, timestamp);
`

// Migrate creates or updates every table, index and trigger used by this
// package. It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range []string{ddlActions, ddlTranscripts} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
