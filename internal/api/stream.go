package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livegate/internal/session"
)

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 5 * time.Second

// accept upgrades r. The returned context ends when the client goes away.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return nil, nil, err
	}
	return c, c.CloseRead(r.Context()), nil
}

func write(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, v)
}

// closeStream closes c, treating a client disconnect as normal.
func closeStream(c *websocket.Conn, stream string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		c.Close(websocket.StatusNormalClosure, "")
		return
	}
	slog.Debug("api: stream ended", "stream", stream, "err", err)
	c.Close(websocket.StatusInternalError, "stream ended")
}

// handleSessionEvents sends the current snapshot, then every session event.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "session events not configured", http.StatusNotImplemented)
		return
	}
	c, ctx, err := s.accept(w, r)
	if err != nil {
		return
	}
	events, cancel := s.events.Subscribe()
	defer cancel()

	err = s.pumpEvents(ctx, c, events)
	closeStream(c, "session", err)
}

func (s *Server) pumpEvents(ctx context.Context, c *websocket.Conn, events <-chan session.Event) error {
	v := s.sessions.Snapshot().View()
	if err := write(ctx, c, session.Event{Type: session.EventState, State: &v}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := write(ctx, c, e); err != nil {
				return err
			}
		}
	}
}

// handleActionStream sends the matching actions, then every change.
func (s *Server) handleActionStream(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	c, ctx, err := s.accept(w, r)
	if err != nil {
		return
	}
	sub, err := s.actions.Subscribe(ctx, scope)
	if err != nil {
		slog.Warn("api: action subscription failed", "err", err)
		c.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Close()

	for a := range sub.C() {
		if err = write(ctx, c, a); err != nil {
			break
		}
	}
	if err == nil && sub.Err() != nil {
		c.Close(websocket.StatusTryAgainLater, "fell behind; reconnect for a fresh snapshot")
		return
	}
	if err == nil {
		err = ctx.Err()
	}
	closeStream(c, "actions", err)
}
