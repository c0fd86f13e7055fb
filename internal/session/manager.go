package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/outreach-ai/internal/agent"
	"github.com/ashureev/outreach-ai/internal/domain"
)

const reaperInterval = time.Minute

// ManagerConfig holds the collaborators shared by every orchestrator a
// Manager creates.
type ManagerConfig struct {
	Agent           agent.Backend
	NewStream       func() Streamer
	Store           Store
	Updates         chan<- *Update
	ConversationLog agent.ConversationLogger
	Logger          *slog.Logger

	CompletionSummaryDelay time.Duration
	RequestTimeout         time.Duration
}

// Manager keeps one orchestrator per campaign.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Orchestrator
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "session_manager"),
		sessions: make(map[string]*Orchestrator),
	}
}

// Get returns the orchestrator of a campaign, if one exists.
func (m *Manager) Get(campaignID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.sessions[campaignID]
	return o, ok
}

// Start starts or restarts the session of a campaign with fresh campaign and
// user data. An orchestrator retired by the reaper in the meantime is
// replaced by a fresh one.
func (m *Manager) Start(ctx context.Context, campaign domain.Campaign, user domain.User) (*Orchestrator, string, error) {
	for {
		o := m.orchestrator(campaign, user)
		o.SetProfile(campaign, user)
		sessionID, err := o.Start(ctx)
		if errors.Is(err, errRetired) {
			m.forget(campaign.ID, o)
			continue
		}
		return o, sessionID, err
	}
}

func (m *Manager) orchestrator(campaign domain.Campaign, user domain.User) *Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.sessions[campaign.ID]
	if !ok {
		o = New(Options{
			Campaign:               campaign,
			User:                   user,
			Agent:                  m.cfg.Agent,
			Stream:                 m.cfg.NewStream(),
			Store:                  m.cfg.Store,
			Updates:                m.cfg.Updates,
			ConversationLog:        m.cfg.ConversationLog,
			Logger:                 m.cfg.Logger,
			CompletionSummaryDelay: m.cfg.CompletionSummaryDelay,
			RequestTimeout:         m.cfg.RequestTimeout,
		})
		m.sessions[campaign.ID] = o
	}
	return o
}

// forget drops o from the registry if it is still the campaign's entry.
func (m *Manager) forget(campaignID string, o *Orchestrator) {
	m.mu.Lock()
	if m.sessions[campaignID] == o {
		delete(m.sessions, campaignID)
	}
	m.mu.Unlock()
}

// End ends the session of a campaign. The orchestrator stays registered so
// its last summary remains readable until the reaper drops it.
func (m *Manager) End(ctx context.Context, campaignID string) error {
	o, ok := m.Get(campaignID)
	if !ok {
		return ErrNoSession
	}
	return o.End(ctx)
}

// StartReaper runs a background goroutine that ends sessions idle for longer
// than ttl and forgets orchestrators that have been idle and ended for as
// long.
func (m *Manager) StartReaper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("session reaper started", "interval", reaperInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				m.reap(ctx, ttl, time.Now())
			case <-ctx.Done():
				m.logger.Info("session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) reap(ctx context.Context, ttl time.Duration, now time.Time) {
	cutoff := now.Add(-ttl)
	m.mu.Lock()
	var idle []*Orchestrator
	for _, o := range m.sessions {
		if o.LastActivity().Before(cutoff) {
			idle = append(idle, o)
		}
	}
	m.mu.Unlock()

	if len(idle) == 0 {
		return
	}
	m.logger.Info("session reaper found idle sessions", "count", len(idle))

	for _, o := range idle {
		st := o.State()
		switch st.Phase {
		case PhaseLive:
			m.logger.Info("session reaper ending idle session",
				"campaign_id", st.CampaignID,
				"session_id", st.SessionID)
			if err := o.End(ctx); err != nil {
				m.logger.Warn("session reaper failed to end session", "campaign_id", st.CampaignID, "error", err)
			}
		case PhaseEnded, PhaseUnstarted:
			// A Start that got in first keeps the orchestrator alive.
			if !o.retire(cutoff) {
				continue
			}
			m.forget(st.CampaignID, o)
			o.Shutdown()
		}
	}
}

// Shutdown ends every live session and waits for background work.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		all = append(all, o)
	}
	m.sessions = make(map[string]*Orchestrator)
	m.mu.Unlock()

	for _, o := range all {
		if o.State().Phase == PhaseLive {
			if err := o.End(ctx); err != nil {
				m.logger.Warn("failed to end session on shutdown", "campaign_id", o.CampaignID(), "error", err)
			}
		}
		o.Shutdown()
	}
	m.logger.Info("session manager stopped", "sessions", len(all))
}
