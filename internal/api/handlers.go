package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/history"
	"github.com/foxzi/followup/internal/metrics"
	"github.com/foxzi/followup/internal/recipient"
)

// SendRequest is the request body for POST /send. With no emails every
// currently eligible recipient is sent to.
type SendRequest struct {
	Emails []string `json:"emails,omitempty"`
}

// StatsResponse is the response for GET /stats
type StatsResponse struct {
	history.Summary
	Recipients int            `json:"recipients"`
	ByStatus   map[string]int `json:"by_status"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Recipients int    `json:"recipients"`
	Dirty      bool   `json:"dirty,omitempty"`
	ReadOnly   bool   `json:"read_only,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Recipients: s.deps.Recipients.Len(),
	}
	// Unsaved recipient changes mean the data directory is failing
	if s.deps.Recipients.Dirty() {
		resp.Status = "degraded"
		resp.Dirty = true
	}
	// A corrupt recipient file blocks every change and send
	if s.deps.Recipients.WriteBlocked() != nil {
		resp.Status = "degraded"
		resp.ReadOnly = true
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleListRecipients handles GET /api/v1/recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Recipients.List()

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := recipient.ParseStatus(raw)
		if !ok {
			s.sendError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		filtered := list[:0]
		for _, rec := range list {
			if rec.Status == status {
				filtered = append(filtered, rec)
			}
		}
		list = filtered
	}

	s.sendJSON(w, http.StatusOK, list)
}

// handleAddRecipient handles POST /api/v1/recipients
func (s *Server) handleAddRecipient(w http.ResponseWriter, r *http.Request) {
	var req recipient.NewRecipient
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := s.deps.Recipients.Add(req, s.deps.Settings.Settings().MaxResends)
	if err != nil {
		s.sendCoreError(w, err)
		return
	}

	s.logger.Info("recipient added via API", "email", rec.Email)
	s.sendJSON(w, http.StatusCreated, rec)
}

// handleGetRecipient handles GET /api/v1/recipients/{email}
func (s *Server) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Recipients.Get(emailParam(r))
	if err != nil {
		s.sendCoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleRemoveRecipient handles DELETE /api/v1/recipients/{email}
func (s *Server) handleRemoveRecipient(w http.ResponseWriter, r *http.Request) {
	addr := emailParam(r)
	if err := s.deps.Recipients.Remove(addr); err != nil {
		s.sendCoreError(w, err)
		return
	}

	s.logger.Info("recipient removed via API", "email", addr)
	w.WriteHeader(http.StatusNoContent)
}

// handleStopRecipient handles POST /api/v1/recipients/{email}/stop
func (s *Server) handleStopRecipient(w http.ResponseWriter, r *http.Request) {
	s.setStopResend(w, r, true)
}

// handleResumeRecipient handles POST /api/v1/recipients/{email}/resume
func (s *Server) handleResumeRecipient(w http.ResponseWriter, r *http.Request) {
	s.setStopResend(w, r, false)
}

func (s *Server) setStopResend(w http.ResponseWriter, r *http.Request, stop bool) {
	rec, err := s.deps.Recipients.SetStopResend(emailParam(r), stop)
	if err != nil {
		s.sendCoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleSendRecipient handles POST /api/v1/recipients/{email}/send
func (s *Server) handleSendRecipient(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Engine.SendTo(r.Context(), emailParam(r), dispatch.SendOptions{})
	if err != nil {
		if res != nil {
			// Transport failure: the attempt is recorded, report it as such
			s.sendJSON(w, http.StatusBadGateway, res)
			return
		}
		s.sendCoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleRecipientHistory handles GET /api/v1/recipients/{email}/history
func (s *Server) handleRecipientHistory(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.History.ForRecipient(emailParam(r))
	if entries == nil {
		entries = []history.Entry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}

// handleEligible handles GET /api/v1/eligible
func (s *Server) handleEligible(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Settings.Settings()
	list := s.deps.Recipients.ListEligibleForSend(time.Now(), settings.IntervalDays)
	s.sendJSON(w, http.StatusOK, list)
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	var (
		batch *dispatch.BatchResult
		err   error
	)
	if len(req.Emails) > 0 {
		batch, err = s.deps.Scheduler.SendNow(r.Context(), req.Emails)
	} else {
		batch, err = s.deps.Scheduler.SendEligibleNow(r.Context())
	}
	if err != nil {
		s.sendCoreError(w, err)
		return
	}

	s.logger.Info("manual send via API",
		"sent", batch.Sent,
		"failed", batch.Failed,
		"skipped", batch.Skipped,
	)
	s.sendJSON(w, http.StatusOK, batch)
}

// handleHistory handles GET /api/v1/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var entries []history.Entry
	if addr := r.URL.Query().Get("email"); addr != "" {
		entries = s.deps.History.ForRecipient(addr)
	} else {
		entries = s.deps.History.Entries()
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		// Most recent entries
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}

	if entries == nil {
		entries = []history.Entry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, StatsResponse{
		Summary:    history.Summarize(s.deps.History.Entries()),
		Recipients: s.deps.Recipients.Len(),
		ByStatus:   s.deps.Recipients.StatusCounts(),
	})
}

// sendCoreError maps core errors to HTTP status codes
func (s *Server) sendCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recipient.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, recipient.ErrInvalidEmail):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recipient.ErrDuplicateRecipient), errors.Is(err, dispatch.ErrSendLimitReached):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrCredentialsMissing):
		s.sendError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, recipient.ErrCorrupt):
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("API request failed", "error", err)
		metrics.IncAPIErrors("internal")
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func emailParam(r *http.Request) string {
	raw := chi.URLParam(r, "email")
	if addr, err := url.PathUnescape(raw); err == nil {
		return addr
	}
	return raw
}
