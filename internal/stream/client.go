package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
)

const streamPath = "/api/agent/stream/"

var (
	// ErrNoSession is returned when Connect is called without a session id.
	ErrNoSession = errors.New("stream: session id is required")
	// ErrClosedByServer is reported when the agent ends the stream cleanly.
	ErrClosedByServer = errors.New("stream: closed by server")
)

// Handler receives stream callbacks. Calls for one connection come from a
// single goroutine in arrival order. Implementations must not call Close or
// Connect on the delivering client from inside a callback.
type Handler interface {
	HandleEvent(Event)
	HandleDisconnect(err error)
}

// Client maintains at most one live event-stream connection.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	connectMu sync.Mutex // serializes Connect/Close
	mu        sync.Mutex
	conn      *connection
	nextID    uint64
}

type connection struct {
	id        uint64
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool
}

// NewClient creates a stream client for the agent at baseURL. httpClient
// must not set a Timeout, since the stream is long-lived; nil uses a
// fresh client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.With("component", "stream"),
	}
}

// Connect opens the event stream for sessionID, replacing any connection
// this client already holds. It returns once the agent has answered with
// a streaming response; events are then delivered to h until the stream
// ends or is closed. ctx bounds only the connection attempt.
func (c *Client) Connect(ctx context.Context, sessionID string, h Handler) error {
	if sessionID == "" {
		return ErrNoSession
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.closeCurrent()

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+streamPath+url.PathEscape(sessionID), nil)
	if err != nil {
		stop()
		cancel()
		return fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if !stop() {
		// ctx ended during the attempt.
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		if err != nil {
			return fmt.Errorf("stream: connect %s: %w", sessionID, err)
		}
		return fmt.Errorf("stream: connect %s: %w", sessionID, ctx.Err())
	}
	if err != nil {
		cancel()
		return fmt.Errorf("stream: connect %s: %w", sessionID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("stream: connect %s: unexpected status %d", sessionID, resp.StatusCode)
	}

	c.mu.Lock()
	c.nextID++
	conn := &connection{
		id:        c.nextID,
		sessionID: sessionID,
		ctx:       streamCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Agent stream opened", "session_id", sessionID, "conn_id", conn.id)
	go c.read(conn, resp.Body, h)
	return nil
}

func (c *Client) read(conn *connection, body io.ReadCloser, h Handler) {
	defer close(conn.done)
	defer func() {
		if err := body.Close(); err != nil {
			c.logger.Debug("failed to close stream body", "error", err, "session_id", conn.sessionID)
		}
	}()

	scanner := NewSSEScanner(body)
	for scanner.Next() {
		frame := scanner.Frame()
		ev, err := Decode([]byte(frame.Data), frame.Event)
		if err != nil {
			c.logger.Warn("dropping malformed stream frame",
				"error", err,
				"session_id", conn.sessionID,
				"frame_len", len(frame.Data),
			)
			continue
		}
		if ev.Type == TypeConnected || ev.Type == TypeHeartbeat {
			conn.connected.Store(true)
		}
		if conn.ctx.Err() != nil {
			return
		}
		h.HandleEvent(ev)
	}

	conn.connected.Store(false)
	if conn.ctx.Err() != nil {
		// Closed or superseded locally; nothing to report.
		return
	}

	err := scanner.Err()
	if err == nil {
		err = ErrClosedByServer
	}
	c.detach(conn)
	conn.cancel()
	c.logger.Warn("Agent stream disconnected", "session_id", conn.sessionID, "conn_id", conn.id, "error", err)
	h.HandleDisconnect(err)
}

// Close closes the current connection, if any, and waits for its reader to
// stop delivering events.
func (c *Client) Close() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.closeCurrent()
}

func (c *Client) closeCurrent() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	conn.connected.Store(false)
	conn.cancel()
	<-conn.done
	c.logger.Info("Agent stream closed", "session_id", conn.sessionID, "conn_id", conn.id)
}

func (c *Client) detach(conn *connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

// Connected reports whether the current connection has seen a connected
// or heartbeat event and is still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.connected.Load()
}

// SessionID returns the session of the current connection, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.sessionID
}
