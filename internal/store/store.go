// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/outreach-ai/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users, campaigns,
// contacts and agent sessions.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateCampaign inserts a campaign.
	CreateCampaign(ctx context.Context, campaign *domain.Campaign) error

	// GetCampaign retrieves a campaign by id. Returns ErrNotFound if absent.
	GetCampaign(ctx context.Context, campaignID string) (*domain.Campaign, error)

	// ListCampaigns returns the user's campaigns, newest first.
	ListCampaigns(ctx context.Context, userID string) ([]*domain.Campaign, error)

	// UpdateCampaignStatus sets the status of a campaign and returns the
	// updated record.
	UpdateCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) (*domain.Campaign, error)

	// CreateContacts inserts a batch of contacts for a campaign in one
	// transaction. No uniqueness is enforced.
	CreateContacts(ctx context.Context, campaignID string, contacts []domain.Contact) ([]domain.Contact, error)

	// ListContacts returns all contacts of a campaign in insertion order.
	ListContacts(ctx context.Context, campaignID string) ([]domain.Contact, error)

	// RecordAgentSession stores a newly started agent session.
	RecordAgentSession(ctx context.Context, session *domain.AgentSession) error

	// EndAgentSession marks a session ended, optionally with its final summary.
	EndAgentSession(ctx context.Context, sessionID string, summary *domain.Summary) error

	// ListAgentSessions returns the sessions started for a campaign, newest first.
	ListAgentSessions(ctx context.Context, campaignID string) ([]*domain.AgentSession, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
