package gemini_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livegate/pkg/provider/live"
	"github.com/MrWong99/livegate/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a fake Gemini Live endpoint. handler runs on the
// server goroutine; it must report failures with t.Error, not t.Fatal.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("server unmarshal: %v", err)
		return false
	}
	return true
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("server write: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	readJSON(t, conn, &msg)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return msg
}

func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv))).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recv(t *testing.T, conn live.Conn) live.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m, err := conn.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return m
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Errorf("api key: got %q", got)
		}
		setupCh <- acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, live.SessionConfig{
		Voice:               "Kore",
		Language:            "it-IT",
		Instructions:        "Be brief.",
		InputTranscription:  true,
		OutputTranscription: true,
		Tools: []live.ToolDefinition{{
			Name:       "createRiskSignal",
			Parameters: map[string]any{"type": "object"},
		}},
	})

	msg := <-setupCh
	raw, _ := json.Marshal(msg)
	for _, want := range []string{
		`"model":"models/gemini-2.0-flash-live-001"`,
		`"voiceName":"Kore"`,
		`"languageCode":"it-IT"`,
		`"inputAudioTranscription":{}`,
		`"outputAudioTranscription":{}`,
		`"name":"createRiskSignal"`,
		`"text":"Be brief."`,
	} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("setup missing %s: %s", want, raw)
		}
	}
}

func TestConnect_WithModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("k", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-live"))
	conn, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if got := <-modelCh; got != "models/custom-live" {
		t.Errorf("model: got %q", got)
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "API key invalid"}})
	})

	_, err := gemini.New("bad", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "API key invalid") {
		t.Fatalf("got %v, want setup error", err)
	}
}

func TestConnect_NoSetupComplete(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("expected handshake timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	_, err := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1")).Connect(context.Background(), live.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "gemini: dial") {
		t.Fatalf("got %v, want dial error", err)
	}
}

// ── Receive ───────────────────────────────────────────────────────────────────

func TestRecv_TurnSequence(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "ciao"}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"inputTranscription": map[string]any{"text": " amico"}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{
				"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)},
			}}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "Ciao!"}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	})

	conn := connect(t, srv, live.SessionConfig{InputTranscription: true, OutputTranscription: true})

	want := []live.ServerMessage{
		live.InputTranscript{Text: "ciao"},
		live.InputTranscript{Text: "ciao amico"},
		live.InputTranscript{Text: "ciao amico", Final: true},
		live.TurnBoundary{Kind: live.TurnStarted},
		nil, // audio
		live.OutputTranscript{Text: "Ciao!"},
		live.OutputTranscript{Text: "Ciao!", Final: true},
		live.TurnBoundary{Kind: live.TurnCompleted},
	}
	for i, w := range want {
		got := recv(t, conn)
		if w == nil {
			af, ok := got.(live.AudioFrame)
			if !ok || !bytes.Equal(af.Data, pcm) {
				t.Fatalf("message %d: got %#v, want audio %v", i, got, pcm)
			}
			continue
		}
		if got != w {
			t.Fatalf("message %d: got %#v, want %#v", i, got, w)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := conn.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("after normal close: got %v, want io.EOF", err)
	}
}

func TestRecv_ToolCallAndResponse(t *testing.T) {
	t.Parallel()

	respCh := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"toolCall": map[string]any{"functionCalls": []any{
			map[string]any{"id": "call-1", "name": "createRiskSignal", "args": map[string]any{"severity": "high"}},
		}}})
		var resp map[string]any
		if readJSON(t, conn, &resp) {
			respCh <- resp
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, live.SessionConfig{})

	tc, ok := recv(t, conn).(live.ToolCall)
	if !ok {
		t.Fatal("expected ToolCall")
	}
	if tc.ID != "call-1" || tc.Name != "createRiskSignal" || tc.Args["severity"] != "high" {
		t.Errorf("got %+v", tc)
	}

	err := conn.SendToolResponse(context.Background(), tc.ID, tc.Name, map[string]any{"status": "pending_review"})
	if err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}
	resp := <-respCh
	raw, _ := json.Marshal(resp)
	if !strings.Contains(string(raw), `"id":"call-1"`) || !strings.Contains(string(raw), `"status":"pending_review"`) {
		t.Errorf("tool response: %s", raw)
	}
}

func TestRecv_ServerErrorIsFault(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, live.SessionConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := conn.Recv(ctx)
	if err == nil || errors.Is(err, io.EOF) || !strings.Contains(err.Error(), "internal") {
		t.Fatalf("got %v, want server error", err)
	}
}

func TestRecv_AbnormalClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	conn := connect(t, srv, live.SessionConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := conn.Recv(ctx); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want read error", err)
	}
}

// ── Send / Close ──────────────────────────────────────────────────────────────

func TestSendAudio(t *testing.T) {
	t.Parallel()

	gotCh := make(chan []byte, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg struct {
			RealtimeInput struct {
				MediaChunks []struct {
					MIMEType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"mediaChunks"`
			} `json:"realtimeInput"`
		}
		if !readJSON(t, conn, &msg) || len(msg.RealtimeInput.MediaChunks) != 1 {
			gotCh <- nil
			return
		}
		chunk := msg.RealtimeInput.MediaChunks[0]
		if chunk.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mime: got %q", chunk.MIMEType)
		}
		data, _ := base64.StdEncoding.DecodeString(chunk.Data)
		gotCh <- data
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, live.SessionConfig{})
	if err := conn.SendAudio(context.Background(), []byte{9, 8, 7, 6}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := <-gotCh; !bytes.Equal(got, []byte{9, 8, 7, 6}) {
		t.Errorf("got %v", got)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, live.SessionConfig{})
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := conn.Recv(context.Background()); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Recv after Close: got %v, want ErrClosed", err)
	}
	if err := conn.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio after Close: got %v, want ErrClosed", err)
	}
}
