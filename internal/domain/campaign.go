package domain

import (
	"time"
)

// CampaignStatus is the lifecycle status of an outreach campaign.
type CampaignStatus string

const (
	// CampaignDraft is a campaign that has not started an agent session yet.
	CampaignDraft CampaignStatus = "draft"
	// CampaignActive is a campaign with at least one agent session started.
	CampaignActive CampaignStatus = "active"
	// CampaignCompleted is set when the agent reports completion.
	CampaignCompleted CampaignStatus = "completed"
)

// ParseCampaignStatus validates a status string.
func ParseCampaignStatus(s string) (CampaignStatus, bool) {
	switch CampaignStatus(s) {
	case CampaignDraft, CampaignActive, CampaignCompleted:
		return CampaignStatus(s), true
	default:
		return "", false
	}
}

// Campaign is an outreach campaign owned by a user.
type Campaign struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	TargetSkills []string       `json:"target_skills"`
	Budget       float64        `json:"budget"`
	Status       CampaignStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
