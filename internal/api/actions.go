package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/livegate/internal/action"
	"github.com/MrWong99/livegate/internal/fault"
)

// scopeParam returns the ?scope= filter. An absent parameter means every
// scope; an empty one means unscoped actions only.
func scopeParam(r *http.Request) *string {
	q := r.URL.Query()
	if !q.Has("scope") {
		return nil
	}
	v := q.Get("scope")
	return &v
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	list, err := s.actions.List(r.Context(), scopeParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []action.PendingAction{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.actions.Get(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type proposeRequest struct {
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args"`
	ContextScope string         `json:"context_scope"`
}

// handlePropose records an action proposed from typed chat.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "The request body is not valid JSON.")
		return
	}
	id, err := s.actions.Propose(r.Context(), action.Proposal{
		FunctionName: req.FunctionName,
		Args:         req.Args,
		Origin:       action.OriginTextChat,
		ContextScope: req.ContextScope,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.actions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

type resolveRequest struct {
	Reviewer string `json:"reviewer"`
}

// handleResolve approves or rejects. A lost race answers 409 with the
// record as it stands.
func (s *Server) handleResolve(status action.Status) http.HandlerFunc {
	resolve := s.actions.Approve
	if status == action.StatusRejected {
		resolve = s.actions.Reject
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				badRequest(w, "The request body is not valid JSON.")
				return
			}
		}
		if req.Reviewer == "" {
			req.Reviewer = "anonymous"
		}

		a, err := resolve(r.Context(), chi.URLParam(r, "actionID"), req.Reviewer)
		if errors.Is(err, fault.ActionResolutionConflict) {
			writeJSON(w, http.StatusConflict, conflictBody{
				Error:   fault.ActionResolutionConflict.String(),
				Message: fault.Message(err),
				Action:  a,
			})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

type conflictBody struct {
	Error   string               `json:"error"`
	Message string               `json:"message"`
	Action  action.PendingAction `json:"action"`
}
