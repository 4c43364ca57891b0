package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/livegate/internal/transcript"
)

func TestTranscriptLog_Record(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	ts := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	err := NewTranscriptLog(db).Record(context.Background(), transcript.Entry{
		SessionID: "s1", Role: transcript.RoleUser, Text: "ciao amico", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	args := db.ExecCalls[0].Args
	if args[0] != "s1" || args[1] != "user" || args[2] != "ciao amico" || args[3] != ts {
		t.Errorf("args = %v", args)
	}

	db.execFunc = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}
	if err := NewTranscriptLog(db).Record(context.Background(), transcript.Entry{}); err == nil {
		t.Error("expected error")
	}
}

func TestTranscriptLog_Session(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{data: [][]any{
			{"s1", "user", "ciao amico", ts},
			{"s1", "assistant", "ciao!", ts.Add(time.Second)},
		}}, nil
	}}
	entries, err := NewTranscriptLog(db).Session(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(entries) != 2 || entries[1].Role != transcript.RoleAssistant {
		t.Fatalf("entries = %+v", entries)
	}
	if !strings.Contains(db.QueryCalls[0].SQL, "ORDER  BY timestamp") {
		t.Error("query not ordered by timestamp")
	}
}
