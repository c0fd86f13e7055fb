package domain

import (
	"time"
)

// AgentSession records one agent session started for a campaign. Session ids
// are issued by the agent and never reused.
type AgentSession struct {
	SessionID   string     `json:"session_id"`
	CampaignID  string     `json:"campaign_id"`
	UserID      string     `json:"user_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	SummaryJSON *string    `json:"summary,omitempty"`
}

// Summary is the aggregate snapshot of a session held by the agent.
type Summary struct {
	BudgetRemaining   float64 `json:"budget_remaining"`
	CandidateCount    int     `json:"candidates_count"`
	ScoredCount       int     `json:"scored_candidates_count"`
	MeetingsScheduled int     `json:"meetings_scheduled"`
	OutreachMessages  int     `json:"outreach_messages_count"`
	FunctionCalls     int     `json:"function_calls_count"`
	Errors            int     `json:"errors_count"`
}
