// Package gemini implements [live.Provider] for Google's Gemini Live API.
//
// Sessions speak the BidiGenerateContent protocol over a WebSocket. Audio is
// exchanged as base64 PCM; incremental transcriptions are accumulated into
// cumulative [live.InputTranscript] and [live.OutputTranscript] values and
// finalised at turn boundaries.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livegate/pkg/provider/live"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*session)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	inboxSize         = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Used in tests to point at a
// local server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Gemini Live.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Provider with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the endpoint, sends the setup message and waits for
// setupComplete. A server error or a closed socket during the handshake
// fails the connect.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		inbox:  live.NewInbox(inboxSize),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := s.handshake(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	s.wg.Add(2)
	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []tool           `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *serverError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("gemini: server error %d: %s", e.Code, msg)
	}
	return "gemini: server error: " + msg
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn  *websocket.Conn
	inbox *live.Inbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	// Receive-loop state; only touched by receiveLoop.
	inputText  string
	outputText string
	inTurn     bool
}

func (s *session) handshake(ctx context.Context, model string, cfg live.SessionConfig) error {
	msg := setupMessage{Setup: setupConfig{
		Model:            "models/" + model,
		GenerationConfig: generationConfig{ResponseModalities: []string{"AUDIO"}},
	}}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" || cfg.Language != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		msg.Setup.Tools = []tool{{FunctionDeclarations: decls}}
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return err
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			continue
		}
		if sm.Error != nil {
			return sm.Error
		}
		if sm.SetupComplete != nil {
			return nil
		}
	}
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop decodes frames into the inbox until the socket ends.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.inbox.Finish(s.classify(err))
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if msg.Error != nil {
			s.inbox.Finish(msg.Error)
			return
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server announced disconnect")
		}
		if !s.dispatch(&msg) {
			return
		}
	}
}

// classify maps a read error to the terminal error seen by Recv.
func (s *session) classify(err error) error {
	if s.ctx.Err() != nil {
		return live.ErrClosed
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return fmt.Errorf("gemini: read: %w", err)
}

func (s *session) emit(m live.ServerMessage) bool {
	return s.inbox.Put(s.ctx, m)
}

// dispatch translates one server frame into zero or more messages. It
// returns false once the inbox stops accepting messages.
func (s *session) dispatch(msg *serverMessage) bool {
	if sc := msg.ServerContent; sc != nil {
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			s.inputText += t.Text
			if !s.emit(live.InputTranscript{Text: s.inputText}) {
				return false
			}
		}
		if sc.ModelTurn != nil || sc.OutputTranscription != nil {
			if !s.beginTurn() {
				return false
			}
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				if !s.emit(live.AudioFrame{Data: pcm}) {
					return false
				}
			}
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			s.outputText += t.Text
			if !s.emit(live.OutputTranscript{Text: s.outputText}) {
				return false
			}
		}
		if sc.TurnComplete || sc.Interrupted {
			if !s.endTurn() {
				return false
			}
		}
	}
	if tc := msg.ToolCall; tc != nil {
		if !s.finishInput() {
			return false
		}
		for _, fc := range tc.FunctionCalls {
			if !s.emit(live.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}) {
				return false
			}
		}
	}
	return true
}

// finishInput finalises the user's utterance, if any.
func (s *session) finishInput() bool {
	if s.inputText == "" {
		return true
	}
	text := s.inputText
	s.inputText = ""
	return s.emit(live.InputTranscript{Text: text, Final: true})
}

func (s *session) beginTurn() bool {
	if !s.finishInput() {
		return false
	}
	if s.inTurn {
		return true
	}
	s.inTurn = true
	return s.emit(live.TurnBoundary{Kind: live.TurnStarted})
}

func (s *session) endTurn() bool {
	if !s.finishInput() {
		return false
	}
	if s.outputText != "" {
		text := s.outputText
		s.outputText = ""
		if !s.emit(live.OutputTranscript{Text: text, Final: true}) {
			return false
		}
	}
	s.inTurn = false
	return s.emit(live.TurnBoundary{Kind: live.TurnCompleted})
}

// keepaliveLoop pings the server so idle sessions are not dropped.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.inbox.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

func (s *session) Recv(ctx context.Context) (live.ServerMessage, error) {
	return s.inbox.Recv(ctx)
}

// SendAudio delivers a PCM16 chunk (16 kHz mono) to the model.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	if s.ctx.Err() != nil {
		return live.ErrClosed
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{
			MIMEType: "audio/pcm;rate=16000",
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	}}
	return s.writeJSON(ctx, msg)
}

// SendToolResponse answers a function call by ID.
func (s *session) SendToolResponse(ctx context.Context, callID, name string, result map[string]any) error {
	if s.ctx.Err() != nil {
		return live.ErrClosed
	}
	return s.writeJSON(ctx, toolResponseMessage{ToolResponse: toolResponse{
		FunctionResponses: []functionResponse{{ID: callID, Name: name, Response: result}},
	}})
}

// Close terminates the session and waits for the background goroutines.
// Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.inbox.Finish(live.ErrClosed)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}
