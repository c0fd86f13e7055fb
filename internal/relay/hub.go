// Package relay fans session updates out to browsers over SSE and WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/outreach-ai/internal/session"
)

const (
	defaultRetryDelay   = 5 * time.Second
	defaultKeepalive    = 10 * time.Second
	defaultQueueTTL     = 30 * time.Minute
	defaultWriteTimeout = 5 * time.Second

	snapshotEvent = "snapshot"
)

// Config tunes the hub.
type Config struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
	QueueSize         int
	// QueueTTL is how long a viewer's replay queue survives without new
	// frames.
	QueueTTL     time.Duration
	WriteTimeout time.Duration

	// AllowedOrigin restricts WebSocket upgrades outside development.
	AllowedOrigin string
	IsDev         bool
}

// MessageFunc handles a user message received over a WebSocket.
type MessageFunc func(ctx context.Context, text string) error

// Hub distributes session updates to every viewer of a user's campaign.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	queue   *MessageQueue
	sockets *SessionManager

	connectionsMu  sync.RWMutex
	sseConnections map[string]map[int64]*sseConnection

	counterMu    sync.Mutex
	eventCounter int64
	connectionID int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type sseConnection struct {
	id         int64
	userID     string
	campaignID string
	eventID    int64
	writer     io.Writer
	flusher    http.Flusher
	done       chan struct{}
	mu         sync.Mutex
}

type socketFrame struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type socketMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func viewerKey(userID, campaignID string) string {
	return userID + ":" + campaignID
}

// NewHub starts the broadcast loop over updates.
func NewHub(cfg Config, updates <-chan *session.Update, logger *slog.Logger) *Hub {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepalive
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = defaultQueueTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	h := &Hub{
		cfg:            cfg,
		logger:         logger,
		queue:          NewMessageQueue(cfg.QueueSize),
		sockets:        NewSessionManager(logger),
		sseConnections: make(map[string]map[int64]*sseConnection),
		done:           make(chan struct{}),
	}

	h.wg.Add(2)
	go h.broadcastLoop(updates)
	go h.evictLoop()
	return h
}

// Close stops the hub and disconnects every viewer.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.connectionsMu.Lock()
		for _, conns := range h.sseConnections {
			for _, c := range conns {
				c.mu.Lock()
				select {
				case <-c.done:
				default:
					close(c.done)
				}
				c.mu.Unlock()
			}
		}
		h.connectionsMu.Unlock()
		h.sockets.CloseAll()
	})
	h.wg.Wait()
}

func (h *Hub) nextEventID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

func (h *Hub) broadcastLoop(updates <-chan *session.Update) {
	defer h.wg.Done()
	h.logger.Info("broadcast loop started")
	for {
		select {
		case <-h.done:
			h.logger.Info("broadcast loop shutting down")
			return
		case u, ok := <-updates:
			if !ok {
				h.logger.Info("update channel closed, broadcast loop stopping")
				return
			}
			if u == nil {
				continue
			}
			h.Broadcast(u)
		}
	}
}

// Broadcast queues an update for replay and sends it to the current viewers
// of its campaign.
func (h *Hub) Broadcast(u *session.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("failed to marshal update", "error", err, "kind", u.Kind)
		return
	}
	msg := &QueuedMessage{
		EventID:   h.nextEventID(),
		Event:     string(u.Kind),
		Data:      data,
		Timestamp: time.Now(),
	}

	key := viewerKey(u.UserID, u.CampaignID)
	h.queue.Enqueue(key, msg)

	h.connectionsMu.RLock()
	viewers := h.sseConnections[key]
	conns := make([]*sseConnection, 0, len(viewers))
	for _, c := range viewers {
		conns = append(conns, c)
	}
	h.connectionsMu.RUnlock()

	for _, c := range conns {
		h.sendToConnection(c, msg)
	}

	if ws := h.sockets.GetActive(u.UserID, u.CampaignID); ws != nil {
		if err := h.writeSocket(ws, msg.EventID, msg.Event, msg.Data); err != nil {
			h.logger.Debug("relay socket write failed", "error", err, "user_id", u.UserID, "campaign_id", u.CampaignID)
		}
	}
}

func (h *Hub) evictLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.QueueTTL)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			if n := h.queue.PruneIdle(now.Add(-h.cfg.QueueTTL)); n > 0 {
				h.logger.Info("pruned idle replay queues", "count", n)
			}
		}
	}
}

func (h *Hub) sendToConnection(c *sseConnection, msg *QueuedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	if err := writeSSEWithID(c.writer, msg.EventID, msg.Event, msg.Data); err != nil {
		h.logger.Warn("failed to write to SSE connection",
			"error", err,
			"conn_id", c.id,
			"user_id", c.userID)
		return
	}
	c.flusher.Flush()
	c.eventID = msg.EventID
}

// ServeEvents streams the campaign's updates as server-sent events. The
// first frame after any replay is the given snapshot.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request, userID, campaignID string, snapshot any) {
	logger := h.logger.With("user_id", userID, "campaign_id", campaignID)

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			logger.Info("SSE client reconnecting with Last-Event-ID", "last_event_id", lastEventID)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		logger.Warn("failed to write SSE retry header", "error", err)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &sseConnection{
		id:         connID,
		userID:     userID,
		campaignID: campaignID,
		writer:     w,
		flusher:    flusher,
		done:       make(chan struct{}),
	}

	key := viewerKey(userID, campaignID)
	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[key]; !exists {
		h.sseConnections[key] = make(map[int64]*sseConnection)
	}
	h.sseConnections[key][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		h.connectionsMu.Lock()
		if conns, exists := h.sseConnections[key]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.sseConnections, key)
			}
		}
		h.connectionsMu.Unlock()
		conn.mu.Lock()
		select {
		case <-conn.done:
		default:
			close(conn.done)
		}
		conn.mu.Unlock()
		logger.Info("SSE connection closed", "conn_id", connID)
	}()

	if lastEventID > 0 {
		missed := h.queue.Since(key, lastEventID)
		if len(missed) > 0 {
			logger.Info("sending missed frames", "count", len(missed))
		}
		for _, msg := range missed {
			h.sendToConnection(conn, msg)
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		logger.Error("failed to marshal snapshot", "error", err)
		return
	}
	h.sendToConnection(conn, &QueuedMessage{EventID: h.nextEventID(), Event: snapshotEvent, Data: data})

	logger.Info("SSE connection established", "conn_id", connID, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", []byte(`{"status":"alive"}`)); err != nil {
				conn.mu.Unlock()
				logger.Warn("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

// ServeSocket upgrades to a WebSocket that receives the campaign's updates.
// Inbound {"type":"message"} frames are passed to onMessage.
func (h *Hub) ServeSocket(w http.ResponseWriter, r *http.Request, userID, campaignID string, snapshot any, onMessage MessageFunc) {
	logger := h.logger.With("user_id", userID, "campaign_id", campaignID)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	h.sockets.Register(userID, campaignID, ws)
	defer h.sockets.Unregister(userID, campaignID, ws)

	data, err := json.Marshal(snapshot)
	if err != nil {
		logger.Error("failed to marshal snapshot", "error", err)
		return
	}
	if err := h.writeSocket(ws, h.nextEventID(), snapshotEvent, data); err != nil {
		logger.Debug("failed to send snapshot", "error", err)
		return
	}

	ctx := r.Context()
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}

		var msg socketMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.writeSocketJSON(ws, map[string]string{"type": "error", "message": "invalid frame"})
			continue
		}

		switch msg.Type {
		case "message":
			if onMessage == nil {
				continue
			}
			if err := onMessage(ctx, msg.Content); err != nil {
				h.writeSocketJSON(ws, map[string]string{"type": "error", "message": err.Error()})
			}
		case "ping":
			h.writeSocketJSON(ws, map[string]string{"type": "pong"})
		default:
			h.writeSocketJSON(ws, map[string]string{"type": "error", "message": "unknown frame type"})
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Hub) writeSocket(ws *websocket.Conn, id int64, event string, data []byte) error {
	frame, err := json.Marshal(socketFrame{ID: id, Event: event, Data: data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, frame)
}

func (h *Hub) writeSocketJSON(ws *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("failed to write socket reply", "error", err)
	}
}

func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
