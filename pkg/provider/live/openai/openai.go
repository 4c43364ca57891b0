// Package openai implements [live.Provider] for OpenAI's Realtime API.
//
// The Realtime API works at 24 kHz PCM16 in both directions. Uplink audio
// arrives here at 16 kHz and is resampled before it is appended to the
// input buffer; model audio is passed through unchanged.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livegate/pkg/audio"
	"github.com/MrWong99/livegate/pkg/provider/live"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*session)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	apiSampleRate = 24000
	inboxSize     = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTranscriptionModel sets the model used for input transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for the OpenAI Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a Provider with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the endpoint, waits for session.created, sends the session
// configuration and waits for session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		inbox:  live.NewInbox(inboxSize),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := s.handshake(ctx, p.sessionParams(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return nil, fmt.Errorf("openai: session setup: %w", err)
	}

	s.wg.Add(1)
	go s.receiveLoop()
	return s, nil
}

func (p *Provider) sessionParams(cfg live.SessionConfig) sessionParams {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputTranscription{
			Model:    p.transcriptionModel,
			Language: cfg.Language,
		}
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return params
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", e.Message, e.Code)
	}
	return "openai: " + e.Message
}

type serverEvent struct {
	Type string `json:"type"`

	// *.delta events
	Delta string `json:"delta,omitempty"`

	// input transcription completed / audio transcript done
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn  *websocket.Conn
	inbox *live.Inbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	// Receive-loop state.
	inputText  string
	outputText string
	inTurn     bool
}

func (s *session) handshake(ctx context.Context, params sessionParams) error {
	if err := s.await(ctx, "session.created"); err != nil {
		return err
	}
	if err := s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		return err
	}
	return s.await(ctx, "session.updated")
}

// await reads events until one of the given type arrives. An error event
// fails the wait.
func (s *session) await(ctx context.Context, typ string) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case typ:
			return nil
		case "error":
			if evt.Error != nil {
				return evt.Error
			}
			return fmt.Errorf("openai: error event while waiting for %s", typ)
		}
	}
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) receiveLoop() {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.inbox.Finish(s.classify(err))
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		if !s.dispatch(&evt) {
			return
		}
	}
}

func (s *session) classify(err error) error {
	if s.ctx.Err() != nil {
		return live.ErrClosed
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return fmt.Errorf("openai: read: %w", err)
}

func (s *session) emit(m live.ServerMessage) bool {
	return s.inbox.Put(s.ctx, m)
}

func (s *session) dispatch(evt *serverEvent) bool {
	switch evt.Type {
	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return true
		}
		s.inputText += evt.Delta
		return s.emit(live.InputTranscript{Text: s.inputText})

	case "conversation.item.input_audio_transcription.completed":
		text := evt.Transcript
		if text == "" {
			text = s.inputText
		}
		s.inputText = ""
		if text == "" {
			return true
		}
		return s.emit(live.InputTranscript{Text: text, Final: true})

	case "response.created":
		if s.inTurn {
			return true
		}
		s.inTurn = true
		return s.emit(live.TurnBoundary{Kind: live.TurnStarted})

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return true
		}
		return s.emit(live.AudioFrame{Data: pcm})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		s.outputText += evt.Delta
		return s.emit(live.OutputTranscript{Text: s.outputText})

	case "response.audio_transcript.done":
		text := evt.Transcript
		if text == "" {
			text = s.outputText
		}
		s.outputText = ""
		if text == "" {
			return true
		}
		return s.emit(live.OutputTranscript{Text: text, Final: true})

	case "response.function_call_arguments.done":
		var args map[string]any
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				slog.Warn("openai: function call arguments are not a JSON object",
					"name", evt.Name, "err", err)
				args = map[string]any{"raw": evt.Arguments}
			}
		}
		return s.emit(live.ToolCall{ID: evt.CallID, Name: evt.Name, Args: args})

	case "response.done":
		if s.outputText != "" {
			text := s.outputText
			s.outputText = ""
			if !s.emit(live.OutputTranscript{Text: text, Final: true}) {
				return false
			}
		}
		s.inTurn = false
		return s.emit(live.TurnBoundary{Kind: live.TurnCompleted})

	case "error":
		// Realtime error events reject a single client event; the session
		// itself stays usable.
		if evt.Error != nil {
			slog.Warn("openai: server rejected event", "type", evt.Error.Type, "code", evt.Error.Code, "message", evt.Error.Message)
		}
	}
	return true
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

func (s *session) Recv(ctx context.Context) (live.ServerMessage, error) {
	return s.inbox.Recv(ctx)
}

// SendAudio resamples a 16 kHz mono chunk to the API rate and appends it to
// the input buffer.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	if s.ctx.Err() != nil {
		return live.ErrClosed
	}
	pcm = audio.ResampleMono16(pcm, audio.FormatBackendInput.SampleRate, apiSampleRate)
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendToolResponse adds a function_call_output item and asks the model to
// continue.
func (s *session) SendToolResponse(ctx context.Context, callID, _ string, result map[string]any) error {
	if s.ctx.Err() != nil {
		return live.ErrClosed
	}
	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("openai: marshal tool result: %w", err)
	}
	if err := s.writeJSON(ctx, createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: string(out)},
	}); err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.inbox.Finish(live.ErrClosed)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}
