package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot().View())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Snapshot().View())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.sessions.Stop()
	writeJSON(w, http.StatusOK, s.sessions.Snapshot().View())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{
			Error:   "not_configured",
			Message: "Transcripts are not persisted on this server.",
		})
		return
	}
	entries, err := s.transcripts.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
