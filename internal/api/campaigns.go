package api

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/identity"
	"github.com/ashureev/outreach-ai/internal/store"
)

type createCampaignRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	TargetSkills []string `json:"target_skills"`
	Budget       float64  `json:"budget"`
}

type updateCampaignRequest struct {
	Status string `json:"status"`
}

// CreateCampaign handles POST /api/campaigns.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createCampaignRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Budget < 0 || math.IsNaN(req.Budget) || math.IsInf(req.Budget, 0) {
		Error(w, http.StatusBadRequest, "budget must be a non-negative number")
		return
	}

	skills := make([]string, 0, len(req.TargetSkills))
	for _, s := range req.TargetSkills {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}

	campaign := &domain.Campaign{
		UserID:       userID,
		Name:         name,
		Description:  strings.TrimSpace(req.Description),
		TargetSkills: skills,
		Budget:       req.Budget,
		Status:       domain.CampaignDraft,
	}
	if err := h.repo.CreateCampaign(r.Context(), campaign); err != nil {
		h.logger.Error("failed to create campaign", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}

	h.logger.Info("campaign created", "campaign_id", campaign.ID, "user_id", userID)
	JSON(w, http.StatusCreated, campaign)
}

// ListCampaigns handles GET /api/campaigns.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	campaigns, err := h.repo.ListCampaigns(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list campaigns", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*domain.Campaign{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// GetCampaign handles GET /api/campaigns/{campaignID}.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, campaign)
}

// UpdateCampaign handles PATCH /api/campaigns/{campaignID}. Only the status
// can change.
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	var req updateCampaignRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	status, valid := domain.ParseCampaignStatus(req.Status)
	if !valid {
		Error(w, http.StatusBadRequest, "invalid status")
		return
	}

	updated, err := h.repo.UpdateCampaignStatus(r.Context(), campaign.ID, status)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "campaign not found")
			return
		}
		h.logger.Error("failed to update campaign", "error", err, "campaign_id", campaign.ID)
		Error(w, http.StatusInternalServerError, "failed to update campaign")
		return
	}
	JSON(w, http.StatusOK, updated)
}

// ListSessions handles GET /api/campaigns/{campaignID}/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	sessions, err := h.repo.ListAgentSessions(r.Context(), campaign.ID)
	if err != nil {
		h.logger.Error("failed to list agent sessions", "error", err, "campaign_id", campaign.ID)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.AgentSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
