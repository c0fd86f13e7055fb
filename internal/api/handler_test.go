//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/outreach-ai/internal/agent"
	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/identity"
	"github.com/ashureev/outreach-ai/internal/relay"
	"github.com/ashureev/outreach-ai/internal/session"
	"github.com/ashureev/outreach-ai/internal/store"
	"github.com/ashureev/outreach-ai/internal/stream"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

const (
	ownerID = "anon_0123456789abcdef0123456789abcdef"
	otherID = "anon_fedcba9876543210fedcba9876543210"
)

// fakeAgent serves the agent HTTP surface. Frames pushed on frames are
// written to the open event stream.
type fakeAgent struct {
	srv      *httptest.Server
	frames   chan string
	messages chan string

	mu    sync.Mutex
	ended []string
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		frames:   make(chan string, 16),
		messages: make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agent/start", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]interface{}{"success": true, "sessionId": "sess-1", "message": "started"})
	})
	mux.HandleFunc("POST /api/agent/message", func(w http.ResponseWriter, r *http.Request) {
		var req agent.MessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.messages <- req.Message
		JSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "received"})
	})
	mux.HandleFunc("GET /api/agent/summary/{id}", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": domain.Summary{BudgetRemaining: 420, CandidateCount: 2}})
	})
	mux.HandleFunc("POST /api/agent/end/{id}", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.ended = append(a.ended, r.PathValue("id"))
		a.mu.Unlock()
		JSON(w, http.StatusOK, map[string]interface{}{"success": true})
	})
	mux.HandleFunc("GET /api/agent/stream/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"connected\",\"content\":{\"status\":\"ok\"}}\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-a.frames:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			}
		}
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) nextMessage(t *testing.T) string {
	t.Helper()
	select {
	case m := <-a.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("agent received no message")
		return ""
	}
}

type testEnv struct {
	repo     *store.SQLiteStore
	sessions *session.Manager
	router   chi.Router
}

func newTestEnv(t *testing.T, a *fakeAgent) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Now()
	for _, u := range []*domain.User{
		{UserID: ownerID, Username: "anon-owner", CreatedAt: now, UpdatedAt: now},
		{UserID: otherID, Username: "anon-other", CreatedAt: now, UpdatedAt: now},
	} {
		if err := repo.UpsertUser(context.Background(), u); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}

	updates := make(chan *session.Update, 64)
	hub := relay.NewHub(relay.Config{KeepaliveInterval: time.Hour}, updates, logger)
	t.Cleanup(hub.Close)

	env := &testEnv{repo: repo}
	if a != nil {
		backend := agent.NewClient(agent.ClientConfig{BaseURL: a.srv.URL, RequestTimeout: 5 * time.Second}, logger)
		env.sessions = session.NewManager(session.ManagerConfig{
			Agent: backend,
			NewStream: func() session.Streamer {
				return stream.NewClient(a.srv.URL, &http.Client{}, logger)
			},
			Store:                  repo,
			Updates:                updates,
			Logger:                 logger,
			CompletionSummaryDelay: 10 * time.Millisecond,
			RequestTimeout:         5 * time.Second,
		})
		t.Cleanup(func() { env.sessions.Shutdown(context.Background()) })
	}

	h := NewHandler(Options{
		Repo:     repo,
		Sessions: env.sessions,
		Hub:      hub,
		Limiter:  NewRateLimiter(100, time.Minute),
		Logger:   logger,
	})
	t.Cleanup(h.limiter.Stop)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req = req.WithContext(identity.WithUser(req.Context(), userID, "anon"))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func (e *testEnv) createCampaign(t *testing.T, userID string) domain.Campaign {
	t.Helper()
	w := e.do(t, userID, http.MethodPost, "/api/campaigns/", map[string]interface{}{
		"name":          "Go hiring",
		"description":   "Senior Go engineers",
		"target_skills": []string{"go", " ", "grpc"},
		"budget":        500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign status = %d: %s", w.Code, w.Body.String())
	}
	var c domain.Campaign
	decodeInto(t, w, &c)
	return c
}

// waitFor polls the session snapshot until cond holds.
func (e *testEnv) waitFor(t *testing.T, campaignID string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		w := e.do(t, ownerID, http.MethodGet, "/api/campaigns/"+campaignID+"/session/", nil)
		var snap session.Snapshot
		decodeInto(t, w, &snap)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last snapshot %+v", snap.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing name", map[string]interface{}{"name": "  "}, http.StatusBadRequest},
		{"negative budget", map[string]interface{}{"name": "x", "budget": -1}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, ownerID, http.MethodPost, "/api/campaigns/", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if w := env.do(t, "", http.MethodPost, "/api/campaigns/", map[string]string{"name": "x"}); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous create status = %d, want 401", w.Code)
	}
}

func TestCampaignCRUD(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	c := env.createCampaign(t, ownerID)
	if c.Status != domain.CampaignDraft || c.ID == "" {
		t.Fatalf("created campaign = %+v", c)
	}
	if len(c.TargetSkills) != 2 {
		t.Errorf("target skills = %v, want blanks dropped", c.TargetSkills)
	}

	w := env.do(t, ownerID, http.MethodGet, "/api/campaigns/", nil)
	var list struct {
		Campaigns []domain.Campaign `json:"campaigns"`
		Count     int               `json:"count"`
	}
	decodeInto(t, w, &list)
	if list.Count != 1 || list.Campaigns[0].ID != c.ID {
		t.Fatalf("list = %+v", list)
	}

	if w := env.do(t, otherID, http.MethodGet, "/api/campaigns/"+c.ID+"/", nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign campaign status = %d, want 404", w.Code)
	}
	if w := env.do(t, ownerID, http.MethodGet, "/api/campaigns/missing/", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing campaign status = %d, want 404", w.Code)
	}

	if w := env.do(t, ownerID, http.MethodPatch, "/api/campaigns/"+c.ID+"/", map[string]string{"status": "archived"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", w.Code)
	}
	w = env.do(t, ownerID, http.MethodPatch, "/api/campaigns/"+c.ID+"/", map[string]string{"status": "completed"})
	var updated domain.Campaign
	decodeInto(t, w, &updated)
	if w.Code != http.StatusOK || updated.Status != domain.CampaignCompleted {
		t.Fatalf("patch = %d %+v", w.Code, updated)
	}
}

func TestContactsEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := env.createCampaign(t, ownerID)
	path := "/api/campaigns/" + c.ID + "/contacts"

	if w := env.do(t, ownerID, http.MethodPost, path, map[string]interface{}{"contacts": []any{}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d, want 400", w.Code)
	}

	w := env.do(t, ownerID, http.MethodPost, path, map[string]interface{}{
		"contacts": []map[string]interface{}{
			{"name": "Grace", "score": 91, "strengths": []string{"go"}},
			{"score": "n/a"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create contacts status = %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, ownerID, http.MethodGet, path, nil)
	var resp struct {
		Success  bool             `json:"success"`
		Contacts []domain.Contact `json:"contacts"`
		Count    int              `json:"count"`
	}
	decodeInto(t, w, &resp)
	if !resp.Success || resp.Count != 2 {
		t.Fatalf("list contacts = %+v", resp)
	}
	if resp.Contacts[1].Name != "Unknown" || resp.Contacts[1].Score != 0 || resp.Contacts[1].Strengths == nil {
		t.Errorf("defaults not applied: %+v", resp.Contacts[1])
	}
}

func TestUpdateMe(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	if w := env.do(t, ownerID, http.MethodPut, "/api/me", map[string]string{"email": "not an email"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid email status = %d, want 400", w.Code)
	}

	w := env.do(t, ownerID, http.MethodPut, "/api/me", map[string]string{"display_name": " Ada ", "email": "ada@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}

	var me domain.User
	decodeInto(t, env.do(t, ownerID, http.MethodGet, "/api/me", nil), &me)
	if me.DisplayName != "Ada" || me.Email != "ada@example.com" {
		t.Errorf("me = %+v", me)
	}
}

func TestSessionRoutesWithoutAgent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	c := env.createCampaign(t, ownerID)

	var cfg map[string]bool
	decodeInto(t, env.do(t, ownerID, http.MethodGet, "/api/config", nil), &cfg)
	if cfg["ai_enabled"] {
		t.Error("ai_enabled = true without an agent")
	}

	if w := env.do(t, ownerID, http.MethodPost, "/api/campaigns/"+c.ID+"/session/", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("start status = %d, want 503", w.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	fa := newFakeAgent(t)
	env := newTestEnv(t, fa)
	c := env.createCampaign(t, ownerID)
	base := "/api/campaigns/" + c.ID + "/session"

	if w := env.do(t, otherID, http.MethodPost, base+"/", nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign start status = %d, want 404", w.Code)
	}

	snap := env.waitFor(t, c.ID, func(s session.Snapshot) bool { return true })
	if snap.Phase != session.PhaseUnstarted {
		t.Fatalf("phase before start = %q", snap.Phase)
	}

	w := env.do(t, ownerID, http.MethodPost, base+"/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}

	initial := fa.nextMessage(t)
	if !strings.Contains(initial, `"Go hiring"`) {
		t.Fatalf("initial message = %q", initial)
	}

	if w := env.do(t, ownerID, http.MethodPost, base+"/messages", map[string]string{"content": "hi"}); w.Code != http.StatusConflict {
		t.Fatalf("submit while agent busy = %d, want 409", w.Code)
	}

	fa.frames <- `{"type":"input_request","content":"Which city?"}`
	env.waitFor(t, c.ID, func(s session.Snapshot) bool { return s.Turn == session.TurnReadyForInput })

	if w := env.do(t, ownerID, http.MethodPost, base+"/messages", map[string]string{"content": "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty submit = %d, want 400", w.Code)
	}
	if w := env.do(t, ownerID, http.MethodPost, base+"/messages", map[string]string{"content": "Berlin"}); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
	}
	if got := fa.nextMessage(t); got != "Berlin" {
		t.Fatalf("agent got %q", got)
	}

	fa.frames <- `{"type":"function_result","content":{"name":"score","scored_candidates":[{"name":"Grace","score":0.9},{"name":"Linus"}]}}`
	env.waitFor(t, c.ID, func(s session.Snapshot) bool { return len(s.Contacts) == 2 })

	w = env.do(t, ownerID, http.MethodPost, base+"/summary", nil)
	var sum struct {
		Summary *domain.Summary `json:"summary"`
	}
	decodeInto(t, w, &sum)
	if sum.Summary == nil || sum.Summary.BudgetRemaining != 420 {
		t.Fatalf("summary = %s", w.Body.String())
	}

	if w := env.do(t, ownerID, http.MethodDelete, base+"/", nil); w.Code != http.StatusOK {
		t.Fatalf("end status = %d", w.Code)
	}
	ended := env.waitFor(t, c.ID, func(s session.Snapshot) bool { return s.Phase == session.PhaseEnded })
	if ended.Summary == nil || len(ended.Events) != 0 {
		t.Errorf("ended snapshot = %+v", ended)
	}

	var hist struct {
		Sessions []domain.AgentSession `json:"sessions"`
	}
	decodeInto(t, env.do(t, ownerID, http.MethodGet, "/api/campaigns/"+c.ID+"/sessions", nil), &hist)
	if len(hist.Sessions) != 1 || hist.Sessions[0].EndedAt == nil {
		t.Errorf("session history = %+v", hist.Sessions)
	}
}
