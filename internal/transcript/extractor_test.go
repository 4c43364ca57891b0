package transcript

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livegate/pkg/provider/live"
)

// sliceStream replays msgs and then returns end.
type sliceStream struct {
	msgs []live.ServerMessage
	end  error
}

func (s *sliceStream) Next(context.Context) (live.ServerMessage, error) {
	if len(s.msgs) == 0 {
		return nil, s.end
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

type recorder struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (r *recorder) Record(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func TestExtractor_PartialThenFinal(t *testing.T) {
	t.Parallel()

	var updates []Line
	var finals []Entry
	var speaking []bool
	e := New(
		WithSessionID("s1"),
		OnUpdate(func(l Line) { updates = append(updates, l) }),
		OnFinal(func(en Entry) { finals = append(finals, en) }),
		OnSpeaking(func(v bool) { speaking = append(speaking, v) }),
	)

	e.Run(context.Background(), &sliceStream{
		msgs: []live.ServerMessage{
			live.TurnBoundary{Kind: live.TurnStarted},
			live.InputTranscript{Text: "ciao"},
			live.InputTranscript{Text: "ciao amico", Final: true},
			live.TurnBoundary{Kind: live.TurnCompleted},
		},
		end: io.EOF,
	})

	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	if updates[0].Final || updates[0].Text != "ciao" {
		t.Errorf("first update = %+v", updates[0])
	}
	if len(finals) != 1 {
		t.Fatalf("finals = %d, want 1", len(finals))
	}
	if finals[0].Text != "ciao amico" || finals[0].Role != RoleUser || finals[0].SessionID != "s1" {
		t.Errorf("final = %+v", finals[0])
	}
	if got := e.Current(); got.Text != "ciao amico" || !got.Final {
		t.Errorf("Current() = %+v", got)
	}
	if e.Speaking() {
		t.Error("Speaking() = true after turn completed")
	}
	if len(speaking) != 2 || !speaking[0] || speaking[1] {
		t.Errorf("speaking transitions = %v, want [true false]", speaking)
	}
}

func TestExtractor_AssistantFinal(t *testing.T) {
	t.Parallel()

	var finals []Entry
	e := New(OnFinal(func(en Entry) { finals = append(finals, en) }))
	ctx := context.Background()
	e.Handle(ctx, live.OutputTranscript{Text: "Hello"})
	e.Handle(ctx, live.OutputTranscript{Text: "Hello there", Final: true})

	if len(finals) != 1 || finals[0].Role != RoleAssistant || finals[0].Text != "Hello there" {
		t.Fatalf("finals = %+v", finals)
	}
}

func TestExtractor_EmptyFinalIgnored(t *testing.T) {
	t.Parallel()

	var finals int
	e := New(OnFinal(func(Entry) { finals++ }))
	e.Handle(context.Background(), live.InputTranscript{Text: "", Final: true})
	if finals != 0 {
		t.Errorf("finals = %d, want 0", finals)
	}
}

func TestExtractor_ForwardsToolCalls(t *testing.T) {
	t.Parallel()

	var got []live.ToolCall
	e := New(OnToolCall(func(_ context.Context, tc live.ToolCall) { got = append(got, tc) }))
	e.Handle(context.Background(), live.ToolCall{
		ID:   "call-1",
		Name: "send_invoice",
		Args: map[string]any{"amount": 120.0},
	})

	if len(got) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(got))
	}
	if got[0].ID != "call-1" || got[0].Name != "send_invoice" || got[0].Args["amount"] != 120.0 {
		t.Errorf("tool call = %+v", got[0])
	}
}

func TestExtractor_IgnoresAudioAndErrors(t *testing.T) {
	t.Parallel()

	var updates int
	e := New(OnUpdate(func(Line) { updates++ }))
	ctx := context.Background()
	e.Handle(ctx, live.AudioFrame{Data: []byte{1, 2}})
	e.Handle(ctx, live.StreamError{Reason: "boom"})

	if updates != 0 {
		t.Errorf("updates = %d, want 0", updates)
	}
	if e.Speaking() {
		t.Error("Speaking() = true")
	}
}

func TestExtractor_StopsOnStreamError(t *testing.T) {
	t.Parallel()

	e := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), &sliceStream{
			msgs: []live.ServerMessage{live.InputTranscript{Text: "partial"}},
			end:  errors.New("upstream reset"),
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stream error")
	}
	if got := e.Current(); got.Text != "partial" {
		t.Errorf("Current() = %+v", got)
	}
}

func TestExtractor_RecordsFinals(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: errors.New("db down")}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := New(WithSessionID("s9"), WithRecorder(rec))
	e.now = func() time.Time { return fixed }

	ctx := context.Background()
	e.Handle(ctx, live.InputTranscript{Text: "hi", Final: true})
	e.Handle(ctx, live.OutputTranscript{Text: "hello", Final: true})
	e.Handle(ctx, live.OutputTranscript{Text: "not final"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 2 {
		t.Fatalf("recorded = %d, want 2", len(rec.entries))
	}
	if rec.entries[0] != (Entry{SessionID: "s9", Role: RoleUser, Text: "hi", Timestamp: fixed}) {
		t.Errorf("entry[0] = %+v", rec.entries[0])
	}
	if rec.entries[1].Role != RoleAssistant {
		t.Errorf("entry[1].Role = %q", rec.entries[1].Role)
	}
}
