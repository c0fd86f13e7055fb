package api

import (
	"net/http"

	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/session"
)

type createContactsRequest struct {
	Contacts []domain.ScoredCandidate `json:"contacts"`
}

// ListContacts handles GET /api/campaigns/{campaignID}/contacts.
func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	contacts, err := h.repo.ListContacts(r.Context(), campaign.ID)
	if err != nil {
		h.logger.Error("failed to list contacts", "error", err, "campaign_id", campaign.ID)
		Error(w, http.StatusInternalServerError, "failed to list contacts")
		return
	}
	writeContacts(w, http.StatusOK, contacts)
}

// CreateContacts handles POST /api/campaigns/{campaignID}/contacts. The body
// carries scored candidates, mapped the same way as agent results.
func (h *Handler) CreateContacts(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	var req createContactsRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}
	if len(req.Contacts) == 0 {
		Error(w, http.StatusBadRequest, "contacts must not be empty")
		return
	}

	created, err := h.repo.CreateContacts(r.Context(), campaign.ID, session.ContactsFromCandidates(campaign.ID, req.Contacts))
	if err != nil {
		h.logger.Error("failed to create contacts", "error", err, "campaign_id", campaign.ID)
		Error(w, http.StatusInternalServerError, "failed to create contacts")
		return
	}
	writeContacts(w, http.StatusCreated, created)
}

func writeContacts(w http.ResponseWriter, status int, contacts []domain.Contact) {
	if contacts == nil {
		contacts = []domain.Contact{}
	}
	JSON(w, status, map[string]interface{}{
		"success":  true,
		"contacts": contacts,
		"count":    len(contacts),
	})
}
