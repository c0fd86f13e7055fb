package agent

import (
	"context"

	"github.com/ashureev/outreach-ai/internal/domain"
)

// Backend is the request/response surface of the external agent. The event
// stream is consumed separately by the stream package.
type Backend interface {
	// StartSession begins a new agent session and returns its id.
	StartSession(ctx context.Context, req StartRequest) (string, error)

	// SendMessage delivers one user message to a live session.
	SendMessage(ctx context.Context, sessionID, message string) (*MessageResponse, error)

	// GetSummary fetches the current aggregate state of a session.
	GetSummary(ctx context.Context, sessionID string) (*domain.Summary, error)

	// EndSession terminates a session.
	EndSession(ctx context.Context, sessionID string) error
}

// Ensure Client implements Backend.
var _ Backend = (*Client)(nil)
