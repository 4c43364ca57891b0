package session_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livegate/internal/fault"
	"github.com/MrWong99/livegate/internal/session"
	"github.com/MrWong99/livegate/internal/transcript"
)

func TestSnapshotView(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	v := session.Snapshot{ID: "s1", State: session.Active, StartedAt: start}.View()
	if v.State != "active" || v.StartedAt == nil || !v.StartedAt.Equal(start) || v.ClosedAt != nil {
		t.Errorf("active view = %+v", v)
	}
	if v.ErrorKind != "" || v.Message != "" {
		t.Errorf("clean view carries an error: %+v", v)
	}

	raw := errors.New("read tcp 10.0.0.1:443: connection reset by peer")
	v = session.Snapshot{
		ID:        "s1",
		State:     session.Closed,
		StartedAt: start,
		ClosedAt:  start.Add(time.Minute),
		LastError: fault.New(fault.StreamFault, "receive", raw),
	}.View()
	if v.ErrorKind != "stream_fault" || v.Message != fault.StreamFault.Message() {
		t.Errorf("fault view = %+v", v)
	}

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(b); strings.Contains(got, "connection reset") {
		t.Errorf("view leaks transport error: %s", got)
	}
}

func TestHub_PublishesCallbacks(t *testing.T) {
	t.Parallel()
	hub := session.NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	cb := hub.Callbacks()
	cb.OnState(session.Snapshot{ID: "s1", State: session.Connecting})
	cb.OnLevel(0.5)
	cb.OnTranscript(transcript.RoleUser, "ciao", false)
	cb.OnFinalTranscript(transcript.Entry{SessionID: "s1", Role: transcript.RoleUser, Text: "ciao amico"})
	cb.OnSpeaking(true)

	want := []string{
		session.EventState,
		session.EventLevel,
		session.EventTranscript,
		session.EventFinal,
		session.EventSpeaking,
	}
	for i, typ := range want {
		e := <-ch
		if e.Type != typ {
			t.Fatalf("event %d type = %q, want %q", i, e.Type, typ)
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	hub := session.NewHub()
	_, cancelSlow := hub.Subscribe()
	defer cancelSlow()
	fast, cancelFast := hub.Subscribe()
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 1000 {
			hub.Publish(session.Event{Type: session.EventLevel})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(fast) == 0 {
		t.Error("fast subscriber received nothing")
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	t.Parallel()
	hub := session.NewHub()
	ch, cancel := hub.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	hub.Publish(session.Event{Type: session.EventLevel})
}
