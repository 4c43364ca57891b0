package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/livegate/internal/transcript"
)

// TranscriptLog appends finalised transcript lines to transcript_entries.
type TranscriptLog struct {
	db DB
}

var _ transcript.Recorder = (*TranscriptLog)(nil)

// NewTranscriptLog creates a TranscriptLog.
func NewTranscriptLog(db DB) *TranscriptLog {
	return &TranscriptLog{db: db}
}

// Record implements [transcript.Recorder].
func (l *TranscriptLog) Record(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries (session_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	if _, err := l.db.Exec(ctx, q, e.SessionID, string(e.Role), e.Text, e.Timestamp); err != nil {
		return fmt.Errorf("transcript log: record: %w", err)
	}
	return nil
}

// Session returns every line recorded for sessionID, oldest first.
func (l *TranscriptLog) Session(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT session_id, role, text, timestamp
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := l.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript log: session %q: %w", sessionID, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e    transcript.Entry
			role string
		)
		if err := row.Scan(&e.SessionID, &role, &e.Text, &e.Timestamp); err != nil {
			return transcript.Entry{}, err
		}
		e.Role = transcript.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript log: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}
