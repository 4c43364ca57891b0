// Package transcript turns a live session's message stream into user-facing
// transcript state.
//
// The [Extractor] is purely reactive: it holds no resources, keeps the
// current transcript line and speaking flag, reports finalised lines, and
// forwards tool-call proposals. When its stream ends or errors it simply
// stops; the session owns the fatal path.
package transcript

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livegate/pkg/provider/live"
)

// recordTimeout bounds a single Recorder call.
const recordTimeout = 5 * time.Second

// Role identifies who spoke a transcript line.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Line is the transcript currently being spoken.
type Line struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Entry is a finalised transcript line.
type Entry struct {
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder persists finalised lines. Failures are logged and otherwise
// ignored.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Stream is the message cursor the extractor consumes.
type Stream interface {
	Next(ctx context.Context) (live.ServerMessage, error)
}

// Option configures an [Extractor].
type Option func(*Extractor)

// WithSessionID tags every Entry with id.
func WithSessionID(id string) Option {
	return func(e *Extractor) { e.sessionID = id }
}

// OnUpdate is called with the current line after every transcript message.
func OnUpdate(fn func(Line)) Option {
	return func(e *Extractor) { e.onUpdate = fn }
}

// OnFinal is called once per finalised line, for both roles.
func OnFinal(fn func(Entry)) Option {
	return func(e *Extractor) { e.onFinal = fn }
}

// OnToolCall receives every tool-call proposal.
func OnToolCall(fn func(ctx context.Context, tc live.ToolCall)) Option {
	return func(e *Extractor) { e.onToolCall = fn }
}

// OnSpeaking is called whenever the speaking flag changes.
func OnSpeaking(fn func(bool)) Option {
	return func(e *Extractor) { e.onSpeaking = fn }
}

// WithRecorder persists finalised lines.
func WithRecorder(r Recorder) Option {
	return func(e *Extractor) { e.recorder = r }
}

// Extractor classifies server messages. Callbacks run on the goroutine that
// calls Run or Handle and must not block for long.
type Extractor struct {
	sessionID  string
	onUpdate   func(Line)
	onFinal    func(Entry)
	onToolCall func(context.Context, live.ToolCall)
	onSpeaking func(bool)
	recorder   Recorder
	now        func() time.Time

	mu       sync.Mutex
	current  Line
	speaking bool
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	e := &Extractor{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run handles messages from s until it ends or ctx is done.
func (e *Extractor) Run(ctx context.Context, s Stream) {
	for {
		msg, err := s.Next(ctx)
		if err != nil {
			slog.Debug("transcript: stream ended", "session_id", e.sessionID, "err", err)
			return
		}
		e.Handle(ctx, msg)
	}
}

// Handle classifies a single message.
func (e *Extractor) Handle(ctx context.Context, msg live.ServerMessage) {
	switch m := msg.(type) {
	case live.InputTranscript:
		e.transcript(ctx, RoleUser, m.Text, m.Final)
	case live.OutputTranscript:
		e.transcript(ctx, RoleAssistant, m.Text, m.Final)
	case live.TurnBoundary:
		e.setSpeaking(m.Kind == live.TurnStarted)
	case live.ToolCall:
		if e.onToolCall != nil {
			e.onToolCall(ctx, m)
		}
	}
}

func (e *Extractor) transcript(ctx context.Context, role Role, text string, final bool) {
	line := Line{Role: role, Text: text, Final: final}
	e.mu.Lock()
	e.current = line
	e.mu.Unlock()

	if e.onUpdate != nil {
		e.onUpdate(line)
	}
	if !final || text == "" {
		return
	}

	entry := Entry{SessionID: e.sessionID, Role: role, Text: text, Timestamp: e.now()}
	if e.onFinal != nil {
		e.onFinal(entry)
	}
	if e.recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := e.recorder.Record(rctx, entry); err != nil {
			slog.Warn("transcript: failed to record line", "session_id", e.sessionID, "role", role, "err", err)
		}
	}
}

func (e *Extractor) setSpeaking(v bool) {
	e.mu.Lock()
	changed := e.speaking != v
	e.speaking = v
	e.mu.Unlock()
	if changed && e.onSpeaking != nil {
		e.onSpeaking(v)
	}
}

// Current returns the latest transcript line.
func (e *Extractor) Current() Line {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Speaking reports whether the model is mid-turn.
func (e *Extractor) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}
