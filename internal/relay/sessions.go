package relay

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks the WebSocket viewer of each user and campaign. A
// newer socket for the same pair replaces the older one.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
	logger *slog.Logger
}

// NewSessionManager creates an empty manager.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		active: make(map[string]map[string]*websocket.Conn),
		logger: logger,
	}
}

// GetActive returns the live socket for a user and campaign.
func (m *SessionManager) GetActive(userID, campaignID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if campaigns, ok := m.active[userID]; ok {
		return campaigns[campaignID]
	}
	return nil
}

// Register stores conn as the socket for a user and campaign, closing the
// socket it replaces.
func (m *SessionManager) Register(userID, campaignID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][campaignID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[userID][campaignID] = conn
	m.logger.Info("relay socket registered", "user_id", userID, "campaign_id", campaignID)
}

// Unregister removes conn if it is still the registered socket.
func (m *SessionManager) Unregister(userID, campaignID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if campaigns, ok := m.active[userID]; ok {
		if current, exists := campaigns[campaignID]; exists && current == conn {
			delete(campaigns, campaignID)
			if len(campaigns) == 0 {
				delete(m.active, userID)
			}
			m.logger.Info("relay socket unregistered", "user_id", userID, "campaign_id", campaignID)
		}
	}
}

// CloseUser terminates every socket of a user.
func (m *SessionManager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	campaigns, ok := m.active[userID]
	if !ok {
		return
	}
	for campaignID, conn := range campaigns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		m.logger.Info("relay socket closed", "user_id", userID, "campaign_id", campaignID)
	}
	delete(m.active, userID)
}

// CloseAll terminates every socket.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, campaigns := range m.active {
		for _, conn := range campaigns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}
