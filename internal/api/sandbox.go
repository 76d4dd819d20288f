package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/followup/internal/sandbox"
)

// SandboxClearResponse is the response for DELETE /sandbox/messages
type SandboxClearResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) sandboxEnabled(w http.ResponseWriter) bool {
	if s.deps.Sandbox == nil {
		s.sendError(w, http.StatusNotFound, "Sandbox mode is not enabled")
		return false
	}
	return true
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxEnabled(w) {
		return
	}

	filter := sandbox.ListFilter{
		To:    r.URL.Query().Get("to"),
		Limit: 100,
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	messages, err := s.deps.Sandbox.List(r.Context(), filter)
	if err != nil {
		s.sendCoreError(w, err)
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}
	s.sendJSON(w, http.StatusOK, messages)
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxEnabled(w) {
		return
	}

	msg, err := s.deps.Sandbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCoreError(w, err)
		return
	}
	if msg == nil {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return
	}
	s.sendJSON(w, http.StatusOK, msg)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxEnabled(w) {
		return
	}

	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid older_than duration")
			return
		}
		olderThan = d
	}

	deleted, err := s.deps.Sandbox.Clear(r.Context(), olderThan)
	if err != nil {
		s.sendCoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, SandboxClearResponse{Deleted: deleted})
}
