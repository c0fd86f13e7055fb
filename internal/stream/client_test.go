package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingHandler struct {
	mu          sync.Mutex
	events      []Event
	disconnects []error
	eventCh     chan Event
	discCh      chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		eventCh: make(chan Event, 64),
		discCh:  make(chan error, 4),
	}
}

func (h *recordingHandler) HandleEvent(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.eventCh <- ev
}

func (h *recordingHandler) HandleDisconnect(err error) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, err)
	h.mu.Unlock()
	h.discCh <- err
}

func (h *recordingHandler) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.eventCh:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// sseServer streams the given frames for each session and then holds the
// connection open until the client goes away, unless closeAfter is set.
func sseServer(t *testing.T, frames map[string][]string, closeAfter bool) (*httptest.Server, *sync.Map) {
	t.Helper()
	opened := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := strings.TrimPrefix(r.URL.Path, streamPath)
		if _, ok := frames[sessionID]; !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		done := make(chan struct{})
		opened.Store(sessionID, done)
		defer close(done)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames[sessionID] {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		if closeAfter {
			return
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, opened
}

func TestClientDeliversEventsInOrderAndDropsMalformed(t *testing.T) {
	t.Parallel()

	srv, _ := sseServer(t, map[string][]string{
		"s-1": {
			`{"type":"connected","content":{"status":"ok"}}`,
			`{not json`,
			`{"type":"agent_thought","content":"thinking about it"}`,
			`{"type":"input_request","content":"Proceed?"}`,
		},
	}, false)

	c := NewClient(srv.URL, nil, nil)
	h := newRecordingHandler()
	if err := c.Connect(context.Background(), "s-1", h); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	want := []Type{TypeConnected, TypeAgentThought, TypeInputRequest}
	for i, typ := range want {
		if ev := h.next(t); ev.Type != typ {
			t.Fatalf("event %d type = %q, want %q", i, ev.Type, typ)
		}
	}
	if !c.Connected() {
		t.Error("expected Connected after connected event")
	}
	if c.SessionID() != "s-1" {
		t.Errorf("SessionID = %q, want s-1", c.SessionID())
	}
}

func TestClientConnectReplacesPriorConnection(t *testing.T) {
	t.Parallel()

	srv, opened := sseServer(t, map[string][]string{
		"old": {`{"type":"connected"}`},
		"new": {`{"type":"connected"}`},
	}, false)

	c := NewClient(srv.URL, nil, nil)
	oldHandler := newRecordingHandler()
	if err := c.Connect(context.Background(), "old", oldHandler); err != nil {
		t.Fatalf("Connect old failed: %v", err)
	}
	oldHandler.next(t)

	newHandler := newRecordingHandler()
	if err := c.Connect(context.Background(), "new", newHandler); err != nil {
		t.Fatalf("Connect new failed: %v", err)
	}
	defer c.Close()
	newHandler.next(t)

	v, ok := opened.Load("old")
	if !ok {
		t.Fatal("old stream never opened")
	}
	select {
	case <-v.(chan struct{}):
	case <-time.After(2 * time.Second):
		t.Fatal("old stream still open after reconnect")
	}
	if len(oldHandler.discCh) != 0 {
		t.Error("superseded connection should not report a disconnect")
	}
	if c.SessionID() != "new" {
		t.Errorf("SessionID = %q, want new", c.SessionID())
	}
}

func TestClientReportsServerClose(t *testing.T) {
	t.Parallel()

	srv, _ := sseServer(t, map[string][]string{
		"s-1": {`{"type":"connected"}`},
	}, true)

	c := NewClient(srv.URL, nil, nil)
	h := newRecordingHandler()
	if err := c.Connect(context.Background(), "s-1", h); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case err := <-h.discCh:
		if !errors.Is(err, ErrClosedByServer) {
			t.Errorf("disconnect err = %v, want ErrClosedByServer", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
	if c.Connected() {
		t.Error("expected Connected=false after disconnect")
	}
}

func TestClientConnectErrors(t *testing.T) {
	t.Parallel()

	srv, _ := sseServer(t, map[string][]string{}, false)
	c := NewClient(srv.URL, nil, nil)

	if err := c.Connect(context.Background(), "", newRecordingHandler()); !errors.Is(err, ErrNoSession) {
		t.Errorf("empty session err = %v, want ErrNoSession", err)
	}
	if err := c.Connect(context.Background(), "missing", newRecordingHandler()); err == nil {
		t.Error("expected error for 404 stream")
	}
	if c.Connected() {
		t.Error("expected Connected=false after failed connect")
	}
}
