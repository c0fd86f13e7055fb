// Package agent talks to the external AI agent that runs outreach sessions.
package agent

import (
	"github.com/ashureev/outreach-ai/internal/domain"
)

// StartRequest asks the agent to open a session for a campaign.
type StartRequest struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
}

// StartResponse is the agent's answer to a start request.
type StartResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// MessageRequest delivers one user message to a live session.
type MessageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// MessageResponse acknowledges a delivered message.
type MessageResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// SummaryResponse wraps the session summary.
type SummaryResponse struct {
	Success bool            `json:"success"`
	Message *domain.Summary `json:"message"`
	Error   string          `json:"error,omitempty"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
