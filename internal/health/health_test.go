package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	r := chi.NewRouter()
	h.Mount(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	failing := Checker{Name: "store", Check: func(context.Context) error { return errors.New("down") }}
	code, body := serve(t, New(failing), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "store", Check: ok}, {Name: "provider", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"store": "ok", "provider": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
				{Name: "provider", Check: ok},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "fail: connection refused", "provider": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if got := body.Checks[k]; got != want {
					t.Errorf("check %s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestReadyz_CheckHasDeadline(t *testing.T) {
	t.Parallel()
	var hadDeadline bool
	h := New(Checker{Name: "store", Check: func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}})
	serve(t, h, "/readyz")
	if !hadDeadline {
		t.Error("checker context has no deadline")
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeBreaker struct{ open bool }

func (fakeBreaker) Name() string  { return "gemini-live" }
func (b fakeBreaker) Open() bool { return b.open }

func TestBuiltinCheckers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if err := Store(fakePinger{}).Check(ctx); err != nil {
		t.Errorf("healthy store: %v", err)
	}
	if err := Store(fakePinger{err: errors.New("timeout")}).Check(ctx); err == nil {
		t.Error("failing store passed")
	}
	if err := Provider(fakeBreaker{}).Check(ctx); err != nil {
		t.Errorf("closed breaker: %v", err)
	}
	err := Provider(fakeBreaker{open: true}).Check(ctx)
	if err == nil || !strings.Contains(err.Error(), "gemini-live") {
		t.Errorf("open breaker err = %v", err)
	}
}
