package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestManager(backend *fakeBackend, st *fakeStore) *Manager {
	return NewManager(ManagerConfig{
		Agent:                  backend,
		NewStream:              func() Streamer { return &fakeStreamer{} },
		Store:                  st,
		Logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
		CompletionSummaryDelay: 10 * time.Millisecond,
		RequestTimeout:         time.Second,
	})
}

func TestManagerStartReusesOrchestrator(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	m := newTestManager(backend, &fakeStore{})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	o1, first, err := m.Start(context.Background(), testCampaign(), testUser())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o2, second, err := m.Start(context.Background(), testCampaign(), testUser())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if o1 != o2 {
		t.Fatal("restart created a second orchestrator")
	}
	if first == second {
		t.Fatalf("restart reused session id %q", first)
	}
	if got, ok := m.Get("camp-1"); !ok || got != o1 {
		t.Fatal("Get did not return the registered orchestrator")
	}
}

func TestManagerEndUnknownCampaign(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeBackend{}, &fakeStore{})
	if err := m.End(context.Background(), "missing"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("End err = %v, want ErrNoSession", err)
	}
}

func TestManagerReapEndsThenForgetsIdleSessions(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{}
	m := newTestManager(backend, &fakeStore{})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	o, sessionID, err := m.Start(context.Background(), testCampaign(), testUser())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.WaitIdle()

	m.reap(context.Background(), time.Hour, time.Now())
	if o.State().Phase != PhaseLive {
		t.Fatal("active session reaped")
	}

	m.reap(context.Background(), time.Hour, time.Now().Add(2*time.Hour))
	if o.State().Phase != PhaseEnded {
		t.Fatalf("idle session phase = %q, want ended", o.State().Phase)
	}
	backend.mu.Lock()
	ended := append([]string(nil), backend.ended...)
	backend.mu.Unlock()
	if len(ended) != 1 || ended[0] != sessionID {
		t.Fatalf("agent end calls = %v", ended)
	}

	m.reap(context.Background(), time.Hour, time.Now().Add(4*time.Hour))
	if _, ok := m.Get("camp-1"); ok {
		t.Fatal("ended session still registered")
	}
}

func TestManagerStartReplacesRetiredOrchestrator(t *testing.T) {
	t.Parallel()
	m := newTestManager(&fakeBackend{}, &fakeStore{})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	o1, _, err := m.Start(context.Background(), testCampaign(), testUser())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o1.Shutdown)
	o1.WaitIdle()

	if o1.retire(time.Now().Add(time.Hour)) {
		t.Fatal("live orchestrator retired")
	}
	if err := m.End(context.Background(), "camp-1"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if o1.retire(time.Now().Add(-time.Hour)) {
		t.Fatal("recently active orchestrator retired")
	}
	if !o1.retire(time.Now().Add(time.Hour)) {
		t.Fatal("idle ended orchestrator not retired")
	}

	o2, sessionID, err := m.Start(context.Background(), testCampaign(), testUser())
	if err != nil {
		t.Fatalf("Start after retire: %v", err)
	}
	if o2 == o1 {
		t.Fatal("retired orchestrator reused")
	}
	if st := o2.State(); st.Phase != PhaseLive || st.SessionID != sessionID {
		t.Fatalf("state = %+v", st)
	}
	if got, ok := m.Get("camp-1"); !ok || got != o2 {
		t.Fatal("registry does not hold the replacement")
	}
}
