package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/foxzi/followup/internal/campaign"
	"github.com/foxzi/followup/internal/template"
)

// TemplateRequest is the request body for PUT /template
type TemplateRequest struct {
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

// PreviewRequest is the request body for POST /preview
type PreviewRequest struct {
	Email string `json:"email"`
}

// SettingsRequest is the request body for PUT /settings. Omitted fields keep
// their current value.
type SettingsRequest struct {
	IntervalDays *int    `json:"interval_days,omitempty"`
	MaxResends   *int    `json:"max_resends,omitempty"`
	SendTime     *string `json:"send_time,omitempty"`
}

// handleGetTemplate handles GET /api/v1/template
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.deps.Templates.Live(r.Context())
	if err != nil {
		s.sendCoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleUpdateTemplate handles PUT /api/v1/template
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tmpl, err := s.deps.Templates.Update(r.Context(), req.Subject, req.Body, req.Attachments)
	if errors.Is(err, template.ErrEmpty) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.sendCoreError(w, err)
		return
	}

	s.logger.Info("template updated via API", "version", tmpl.Version)
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleResetTemplate handles DELETE /api/v1/template
func (s *Server) handleResetTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Templates.Reset(r.Context()); err != nil {
		s.sendCoreError(w, err)
		return
	}
	s.handleGetTemplate(w, r)
}

// handlePreview handles POST /api/v1/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}

	preview, err := s.deps.Engine.Preview(r.Context(), req.Email)
	if err != nil {
		s.sendCoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, preview)
}

// handleGetSettings handles GET /api/v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Settings.Settings())
}

// handleUpdateSettings handles PUT /api/v1/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	settings := s.deps.Settings.Settings()
	if req.IntervalDays != nil {
		settings.IntervalDays = *req.IntervalDays
	}
	if req.MaxResends != nil {
		settings.MaxResends = *req.MaxResends
	}
	if req.SendTime != nil {
		at, err := campaign.ParseTimeOfDay(*req.SendTime)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		settings.SendTime = at
	}
	if err := settings.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Settings.Set(settings); err != nil {
		s.sendCoreError(w, err)
		return
	}

	s.logger.Info("campaign settings updated via API",
		"interval_days", settings.IntervalDays,
		"max_resends", settings.MaxResends,
		"send_time", settings.SendTime.String(),
	)
	s.sendJSON(w, http.StatusOK, settings)
}

// handleSchedulerStatus handles GET /api/v1/scheduler
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}
