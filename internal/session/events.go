package session

import (
	"sync"
	"time"

	"github.com/MrWong99/livegate/internal/fault"
	"github.com/MrWong99/livegate/internal/transcript"
)

// Event types published by a [Hub].
const (
	EventState      = "state"
	EventLevel      = "level"
	EventTranscript = "transcript"
	EventFinal      = "final"
	EventSpeaking   = "speaking"
)

// hubBuffer is the per-subscriber queue. Events for a subscriber whose queue
// is full are dropped.
const hubBuffer = 128

// View is the JSON form of a [Snapshot].
type View struct {
	ID        string     `json:"id,omitempty"`
	State     string     `json:"state"`
	Speaking  bool       `json:"speaking"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	// ErrorKind and Message are set when the session closed by a fault.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// View converts s for display. The raw error chain is never exposed.
func (s Snapshot) View() View {
	v := View{ID: s.ID, State: s.State.String(), Speaking: s.Speaking}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		v.StartedAt = &t
	}
	if !s.ClosedAt.IsZero() {
		t := s.ClosedAt
		v.ClosedAt = &t
	}
	if s.LastError != nil {
		if k := fault.KindOf(s.LastError); k != 0 {
			v.ErrorKind = k.String()
		}
		v.Message = fault.Message(s.LastError)
	}
	return v
}

// Event is one UI notification.
type Event struct {
	Type     string            `json:"type"`
	State    *View             `json:"state,omitempty"`
	Level    *float64          `json:"level,omitempty"`
	Line     *transcript.Line  `json:"line,omitempty"`
	Entry    *transcript.Entry `json:"entry,omitempty"`
	Speaking *bool             `json:"speaking,omitempty"`
}

// Hub turns controller callbacks into events for any number of UI
// subscribers. Publishing never blocks the session.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, hubBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room for it.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Callbacks returns controller callbacks that publish to h.
func (h *Hub) Callbacks() Callbacks {
	return Callbacks{
		OnState: func(s Snapshot) {
			v := s.View()
			h.Publish(Event{Type: EventState, State: &v})
		},
		OnLevel: func(l float64) {
			h.Publish(Event{Type: EventLevel, Level: &l})
		},
		OnTranscript: func(role transcript.Role, text string, final bool) {
			h.Publish(Event{Type: EventTranscript, Line: &transcript.Line{Role: role, Text: text, Final: final}})
		},
		OnFinalTranscript: func(e transcript.Entry) {
			h.Publish(Event{Type: EventFinal, Entry: &e})
		},
		OnSpeaking: func(v bool) {
			h.Publish(Event{Type: EventSpeaking, Speaking: &v})
		},
	}
}
