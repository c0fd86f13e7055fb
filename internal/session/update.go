package session

import (
	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/stream"
)

// UpdateKind tags an Update.
type UpdateKind string

const (
	UpdateEvent    UpdateKind = "event"
	UpdateState    UpdateKind = "state"
	UpdateSummary  UpdateKind = "summary"
	UpdateContacts UpdateKind = "contacts"
	UpdateCampaign UpdateKind = "campaign"
	UpdateError    UpdateKind = "error"
)

// Update is published by an orchestrator whenever something a viewer of the
// campaign would render has changed. Exactly one payload field is set,
// matching Kind.
type Update struct {
	Kind       UpdateKind `json:"kind"`
	UserID     string     `json:"user_id"`
	CampaignID string     `json:"campaign_id"`
	SessionID  string     `json:"session_id,omitempty"`

	Event    *stream.Event    `json:"event,omitempty"`
	State    *State           `json:"state,omitempty"`
	Summary  *domain.Summary  `json:"summary,omitempty"`
	Contacts []domain.Contact `json:"contacts,omitempty"`
	Campaign *domain.Campaign `json:"campaign,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Phase is the lifecycle phase of an orchestrator.
type Phase string

const (
	PhaseUnstarted Phase = "unstarted"
	PhaseStarting  Phase = "starting"
	PhaseLive      Phase = "live"
	PhaseEnded     Phase = "ended"
)

// State is the compact view of an orchestrator.
type State struct {
	CampaignID     string    `json:"campaign_id"`
	SessionID      string    `json:"session_id,omitempty"`
	Phase          Phase     `json:"phase"`
	Turn           TurnState `json:"turn"`
	Prompt         string    `json:"prompt,omitempty"`
	Connected      bool      `json:"connected"`
	PendingInitial bool      `json:"pending_initial"`
}

// Snapshot is the full view of an orchestrator.
type Snapshot struct {
	State
	Events   []stream.Event   `json:"events"`
	Contacts []domain.Contact `json:"contacts"`
	Summary  *domain.Summary  `json:"summary,omitempty"`
}
