package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/outreach-ai/internal/agent"
	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/stream"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	sessionID string
	message   string
}

type fakeBackend struct {
	mu           sync.Mutex
	nextID       int
	startErr     error
	starts       []agent.StartRequest
	sent         []sentMessage
	sendErrs     []error
	summaryCalls int
	summaryHook  func(call int, sessionID string) (*domain.Summary, error)
	ended        []string
}

func (f *fakeBackend) StartSession(_ context.Context, req agent.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	f.starts = append(f.starts, req)
	return fmt.Sprintf("sess-%d", f.nextID), nil
}

func (f *fakeBackend) SendMessage(_ context.Context, sessionID, message string) (*agent.MessageResponse, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{sessionID: sessionID, message: message})
	var err error
	if len(f.sendErrs) > 0 {
		err = f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &agent.MessageResponse{Success: true, Status: "received"}, nil
}

func (f *fakeBackend) GetSummary(_ context.Context, sessionID string) (*domain.Summary, error) {
	f.mu.Lock()
	f.summaryCalls++
	call := f.summaryCalls
	hook := f.summaryHook
	f.mu.Unlock()
	if hook != nil {
		return hook(call, sessionID)
	}
	return &domain.Summary{FunctionCalls: call}, nil
}

func (f *fakeBackend) EndSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeBackend) failNextSends(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

func (f *fakeBackend) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeBackend) summaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaryCalls
}

type fakeStreamer struct {
	mu         sync.Mutex
	calls      []string
	handlers   []stream.Handler
	connectErr error
}

func (f *fakeStreamer) Connect(_ context.Context, sessionID string, h stream.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "connect "+sessionID)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.handlers = append(f.handlers, h)
	return nil
}

func (f *fakeStreamer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "close")
}

func (f *fakeStreamer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// handler returns the handler of the n-th successful connection.
func (f *fakeStreamer) handler(t *testing.T, n int) stream.Handler {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.handlers) {
		t.Fatalf("connection %d not opened (have %d)", n, len(f.handlers))
	}
	return f.handlers[n]
}

// emit delivers a frame on the latest connection.
func (f *fakeStreamer) emit(t *testing.T, frame string) {
	t.Helper()
	f.mu.Lock()
	n := len(f.handlers) - 1
	f.mu.Unlock()
	f.handler(t, n).HandleEvent(decode(t, frame))
}

type fakeStore struct {
	mu          sync.Mutex
	createErr   error
	createCalls [][]domain.Contact
	rows        []domain.Contact
	listCalls   int
	statuses    []domain.CampaignStatus
	recorded    []*domain.AgentSession
	ended       map[string]*domain.Summary
}

func (f *fakeStore) UpdateCampaignStatus(_ context.Context, campaignID string, status domain.CampaignStatus) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	c := testCampaign()
	c.ID = campaignID
	c.Status = status
	return &c, nil
}

func (f *fakeStore) CreateContacts(_ context.Context, campaignID string, contacts []domain.Contact) ([]domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, contacts)
	if f.createErr != nil {
		return nil, f.createErr
	}
	for i := range contacts {
		contacts[i].ID = fmt.Sprintf("contact-%d", len(f.rows)+1)
		f.rows = append(f.rows, contacts[i])
	}
	return contacts, nil
}

func (f *fakeStore) ListContacts(_ context.Context, _ string) ([]domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]domain.Contact, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *fakeStore) RecordAgentSession(_ context.Context, s *domain.AgentSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, s)
	return nil
}

func (f *fakeStore) EndAgentSession(_ context.Context, sessionID string, summary *domain.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended == nil {
		f.ended = make(map[string]*domain.Summary)
	}
	f.ended[sessionID] = summary
	return nil
}

func (f *fakeStore) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statuses {
		if s == domain.CampaignCompleted {
			n++
		}
	}
	return n
}

func decode(t *testing.T, frame string) stream.Event {
	t.Helper()
	ev, err := stream.Decode([]byte(frame), "")
	if err != nil {
		t.Fatalf("decode %q: %v", frame, err)
	}
	return ev
}

func testCampaign() domain.Campaign {
	return domain.Campaign{
		ID:           "camp-1",
		UserID:       "user-1",
		Name:         "Rust hiring",
		Description:  "Find systems engineers",
		TargetSkills: []string{"rust", "tokio"},
		Budget:       500,
		Status:       domain.CampaignDraft,
	}
}

func testUser() domain.User {
	return domain.User{UserID: "user-1", Username: "ada", DisplayName: "Ada", Email: "ada@example.com"}
}

type harness struct {
	o       *Orchestrator
	backend *fakeBackend
	stream  *fakeStreamer
	store   *fakeStore
	updates chan *Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: &fakeBackend{},
		stream:  &fakeStreamer{},
		store:   &fakeStore{},
		updates: make(chan *Update, 256),
	}
	h.o = New(Options{
		Campaign:               testCampaign(),
		User:                   testUser(),
		Agent:                  h.backend,
		Stream:                 h.stream,
		Store:                  h.store,
		Updates:                h.updates,
		Logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
		CompletionSummaryDelay: 10 * time.Millisecond,
		RequestTimeout:         time.Second,
		Now:                    func() time.Time { return testTime },
	})
	t.Cleanup(h.o.Shutdown)
	return h
}

// startConnected starts a session, reports the stream connected and waits
// for the initial message to go out.
func (h *harness) startConnected(t *testing.T) string {
	t.Helper()
	sessionID, err := h.o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.stream.emit(t, `{"type":"connected","content":{"status":"ok"}}`)
	h.o.WaitIdle()
	return sessionID
}
