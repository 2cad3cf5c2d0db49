package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postodigital/zapdrip/internal/dispatch"
	"github.com/postodigital/zapdrip/internal/models"
)

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	Title    string                  `json:"title"`
	Message  string                  `json:"message"`
	Contacts []dispatch.ContactInput `json:"contacts"`
	Settings *models.Settings        `json:"settings,omitempty"`
}

// ListCampaignsResponse is the response for GET /campaigns
type ListCampaignsResponse struct {
	Campaigns []models.Campaign `json:"campaigns"`
	Total     int               `json:"total"`
}

// RunRequest is the request body for POST /campaigns/{id}/run
type RunRequest struct {
	BatchSize    int      `json:"batch_size,omitempty"`
	DelayMinMs   int      `json:"delay_min_ms,omitempty"`
	DelayMaxMs   int      `json:"delay_max_ms,omitempty"`
	TestOnly     bool     `json:"test_only,omitempty"`
	RecipientIDs []string `json:"recipient_ids,omitempty"`
}

// TestResponse is the response for a test_only run
type TestResponse struct {
	Connected bool `json:"connected"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.campaigns.CreateCampaign(req.Title, req.Message, req.Contacts, req.Settings)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrEmptyMessage), errors.Is(err, dispatch.ErrNoValidContacts):
			s.sendError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("failed to create campaign", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.CampaignListFilter{
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	campaigns, total, err := s.campaigns.ListCampaigns(filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	s.sendJSON(w, http.StatusOK, ListCampaignsResponse{Campaigns: campaigns, Total: total})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleListContacts handles GET /api/v1/campaigns/{id}/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	contacts, err := s.campaigns.ListContacts(c.ID)
	if err != nil {
		s.logger.Error("failed to list contacts", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list contacts")
		return
	}

	s.sendJSON(w, http.StatusOK, contacts)
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	stats, err := s.campaigns.CampaignStats(c.ID)
	if err != nil {
		s.logger.Error("failed to aggregate stats", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to aggregate stats")
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.campaigns.StartCampaign)
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.campaigns.PauseCampaign)
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.campaigns.CancelCampaign)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := op(id); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrCampaignNotFound):
			s.sendError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, dispatch.ErrAnotherCampaignRunning),
			errors.Is(err, dispatch.ErrNotStartable),
			errors.Is(err, dispatch.ErrNotStoppable):
			s.sendError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("campaign lifecycle operation failed", "campaign_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Operation failed")
		}
		return
	}

	c, err := s.campaigns.GetCampaign(id)
	if err != nil || c == nil {
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleRunBatch handles POST /api/v1/campaigns/{id}/run
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.BatchSize < 0 || req.DelayMinMs < 0 || req.DelayMaxMs < 0 {
		s.sendError(w, http.StatusBadRequest, "batch_size and delays must not be negative")
		return
	}
	if req.DelayMinMs > 0 && req.DelayMaxMs > 0 && req.DelayMinMs > req.DelayMaxMs {
		s.sendError(w, http.StatusBadRequest, "delay_min_ms must not exceed delay_max_ms")
		return
	}

	if req.TestOnly {
		if err := s.prober.CheckConnectivity(r.Context()); err != nil {
			s.sendError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.sendJSON(w, http.StatusOK, TestResponse{Connected: true})
		return
	}

	opts := dispatch.BudgetedOptions(s.clampBatchSize(req.BatchSize))
	opts.ContactIDs = req.RecipientIDs
	opts.DelayMin = s.clampDelay(req.DelayMinMs)
	opts.DelayMax = s.clampDelay(req.DelayMaxMs)

	result, err := s.runner.Run(r.Context(), c.ID, opts)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrCampaignNotFound):
			s.sendError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, dispatch.ErrCampaignNotRunning), errors.Is(err, dispatch.ErrAlreadyDispatching):
			s.sendError(w, http.StatusConflict, err.Error())
		case errors.Is(err, dispatch.ErrGatewayOffline):
			s.sendError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("batch run failed", "campaign_id", c.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Batch run failed")
		}
		return
	}

	// Failures inside a batch are steady-state, not an HTTP error.
	s.sendJSON(w, http.StatusOK, result)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: "0.1.0",
		Uptime:  time.Since(s.startTime).String(),
	})
}

// loadCampaign resolves {id} to a campaign, writing the error response
// itself when the campaign cannot be served
func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return nil, false
	}

	c, err := s.campaigns.GetCampaign(id)
	if err != nil {
		s.logger.Error("failed to get campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return c, true
}

// clampBatchSize applies the server-side bounds to a requested batch size
func (s *Server) clampBatchSize(requested int) int {
	if requested <= 0 {
		return s.dispatchCfg.DefaultBatchSize
	}
	if requested > s.dispatchCfg.MaxBatchSize {
		return s.dispatchCfg.MaxBatchSize
	}
	return requested
}

// clampDelay applies the server-side bounds to a requested delay;
// zero means the campaign settings stay in effect
func (s *Server) clampDelay(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	d := time.Duration(ms) * time.Millisecond
	if d < s.dispatchCfg.MinDelay {
		return s.dispatchCfg.MinDelay
	}
	if d > s.dispatchCfg.MaxDelay {
		return s.dispatchCfg.MaxDelay
	}
	return d
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
