package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/identity"
	"github.com/ashureev/outreach-ai/internal/session"
	"github.com/ashureev/outreach-ai/internal/stream"
)

var errRateLimited = errors.New("rate limit exceeded, please wait before sending another message")

type postMessageRequest struct {
	Content string `json:"content"`
}

// sessionStatus maps orchestrator errors to HTTP status codes.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAgentBusy),
		errors.Is(err, session.ErrStartInProgress):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) requireSessions(w http.ResponseWriter) bool {
	if h.sessions == nil {
		Error(w, http.StatusServiceUnavailable, "AI sessions are disabled")
		return false
	}
	return true
}

// snapshotFor returns the snapshot of a campaign's orchestrator, or an
// unstarted snapshot when none exists.
func (h *Handler) snapshotFor(campaignID string) session.Snapshot {
	if o, ok := h.sessions.Get(campaignID); ok {
		return o.Snapshot()
	}
	return session.Snapshot{
		State:    session.State{CampaignID: campaignID, Phase: session.PhaseUnstarted, Turn: session.TurnIdle},
		Events:   []stream.Event{},
		Contacts: []domain.Contact{},
	}
}

// submit enforces the per-user rate limit and hands the message to the
// campaign's orchestrator.
func (h *Handler) submit(ctx context.Context, userID, campaignID, text string) error {
	if h.limiter != nil && !h.limiter.Allow(userID) {
		return errRateLimited
	}
	o, ok := h.sessions.Get(campaignID)
	if !ok {
		return session.ErrNoSession
	}
	return o.Submit(ctx, text)
}

// StartSession handles POST /api/campaigns/{campaignID}/session. Starting an
// already live campaign replaces its session.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	logger := h.logger.With("campaign_id", campaign.ID, "user_id", user.UserID)

	o, sessionID, err := h.sessions.Start(r.Context(), *campaign, *user)
	if err != nil {
		logger.Error("failed to start session", "error", err, "session_id", sessionID)
		status := sessionStatus(err)
		JSON(w, status, map[string]interface{}{
			"success":    false,
			"error":      err.Error(),
			"session_id": sessionID,
		})
		return
	}

	logger.Info("session started", "session_id", sessionID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
		"state":      o.State(),
	})
}

// GetSession handles GET /api/campaigns/{campaignID}/session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, h.snapshotFor(campaign.ID))
}

// EndSession handles DELETE /api/campaigns/{campaignID}/session.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	if err := h.sessions.End(r.Context(), campaign.ID); err != nil {
		Error(w, sessionStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, h.snapshotFor(campaign.ID))
}

// PostMessage handles POST /api/campaigns/{campaignID}/session/messages.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}

	if err := h.submit(r.Context(), campaign.UserID, campaign.ID, req.Content); err != nil {
		status := sessionStatus(err)
		if status == http.StatusBadGateway {
			h.logger.Warn("message delivery failed", "error", err, "campaign_id", campaign.ID)
		}
		Error(w, status, err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]interface{}{"success": true})
}

// RefreshSummary handles POST /api/campaigns/{campaignID}/session/summary.
func (h *Handler) RefreshSummary(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	o, ok := h.sessions.Get(campaign.ID)
	if !ok {
		Error(w, http.StatusConflict, session.ErrNoSession.Error())
		return
	}

	summary, err := o.RefreshSummary(r.Context())
	if err != nil {
		h.logger.Warn("summary refresh failed", "error", err, "campaign_id", campaign.ID)
		Error(w, http.StatusBadGateway, "failed to fetch summary")
		return
	}
	if summary == nil {
		summary = o.Snapshot().Summary
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"summary": summary,
	})
}

// StreamEvents handles GET /api/campaigns/{campaignID}/session/events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	h.hub.ServeEvents(w, r, campaign.UserID, campaign.ID, h.snapshotFor(campaign.ID))
}

// SessionSocket handles the WebSocket at /ws/campaigns/{campaignID}/session.
func (h *Handler) SessionSocket(w http.ResponseWriter, r *http.Request) {
	if !h.requireSessions(w) {
		return
	}
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	h.hub.ServeSocket(w, r, userID, campaign.ID, h.snapshotFor(campaign.ID), func(ctx context.Context, text string) error {
		return h.submit(ctx, userID, campaign.ID, text)
	})
}
