package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/outreach-ai/internal/domain"
)

const maxResponseSize = 1 << 20

var (
	// ErrAgentRejected is returned when the agent answers success=false.
	ErrAgentRejected = errors.New("agent rejected request")
	errNoSessionID   = errors.New("agent returned no session id")
	errEmptySummary  = errors.New("agent returned empty summary")
)

// ClientConfig holds configuration for the HTTP agent client.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client is a JSON-over-HTTP client for the agent.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a new agent client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "agent_client"),
	}
}

// BaseURL returns the agent base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StartSession begins an agent session for a campaign.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (string, error) {
	var resp StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/start", req, &resp); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("start session: %w: %s", ErrAgentRejected, reason(resp.Error, resp.Message))
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("start session: %w", errNoSessionID)
	}
	c.logger.Info("Agent session started", "session_id", resp.SessionID, "campaign_id", req.CampaignID)
	return resp.SessionID, nil
}

// SendMessage delivers one user message to a live session. It makes a
// single attempt.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) (*MessageResponse, error) {
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/message", MessageRequest{SessionID: sessionID, Message: message}, &resp); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("send message: %w: %s", ErrAgentRejected, reason(resp.Error, resp.Message))
	}
	return &resp, nil
}

// GetSummary fetches the session summary.
func (c *Client) GetSummary(ctx context.Context, sessionID string) (*domain.Summary, error) {
	var resp SummaryResponse
	if err := c.do(ctx, http.MethodGet, "/api/agent/summary/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("get summary: %w: %s", ErrAgentRejected, resp.Error)
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("get summary: %w", errEmptySummary)
	}
	return resp.Message, nil
}

// EndSession terminates a session. The acknowledgement body is optional.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	var resp ackResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/end/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	c.logger.Info("Agent session ended", "session_id", sessionID, "ack", resp.Success)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close agent response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func reason(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "no reason given"
}
