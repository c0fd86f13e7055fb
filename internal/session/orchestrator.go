// Package session drives one agent session per campaign: lifecycle, turn
// taking, delivery of the initial message, persistence of scored candidates
// and summary refreshes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/outreach-ai/internal/agent"
	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/stream"
)

var (
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("session: message is empty")
	// ErrNoSession is returned when no agent session is known.
	ErrNoSession = errors.New("session: no active session")
	// ErrNotConnected is returned when the event stream is not connected.
	ErrNotConnected = errors.New("session: stream not connected")
	// ErrAgentBusy is returned when it is the agent's turn.
	ErrAgentBusy = errors.New("session: agent is not waiting for input")
	// ErrStartInProgress is returned when Start is called during a start.
	ErrStartInProgress = errors.New("session: start already in progress")

	// errRetired is returned by Start once the manager has dropped the
	// orchestrator.
	errRetired = errors.New("session: orchestrator retired")
)

const (
	defaultCompletionSummaryDelay = 2 * time.Second
	defaultRequestTimeout         = 30 * time.Second
	conversationChannel           = "session"
)

// Streamer is the event-stream connection used by an orchestrator. It is
// implemented by *stream.Client.
type Streamer interface {
	Connect(ctx context.Context, sessionID string, h stream.Handler) error
	Close()
}

// Store is the persistence an orchestrator needs. It is implemented by
// store.Repository.
type Store interface {
	UpdateCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus) (*domain.Campaign, error)
	CreateContacts(ctx context.Context, campaignID string, contacts []domain.Contact) ([]domain.Contact, error)
	ListContacts(ctx context.Context, campaignID string) ([]domain.Contact, error)
	RecordAgentSession(ctx context.Context, session *domain.AgentSession) error
	EndAgentSession(ctx context.Context, sessionID string, summary *domain.Summary) error
}

// Options configures an Orchestrator.
type Options struct {
	Campaign domain.Campaign
	User     domain.User

	Agent  agent.Backend
	Stream Streamer
	Store  Store

	// Updates receives every published Update. Sends never block; updates
	// are dropped when the channel is full.
	Updates         chan<- *Update
	ConversationLog agent.ConversationLogger
	Logger          *slog.Logger

	// CompletionSummaryDelay is how long to wait after a completion event
	// before fetching the summary.
	CompletionSummaryDelay time.Duration
	// RequestTimeout bounds background calls to the agent and the store.
	RequestTimeout time.Duration

	// Now is used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the agent session of one campaign.
//
// Stream callbacks run on the stream reader goroutine. Network side effects
// triggered by events run on tracked goroutines that carry the session id and
// generation they were started for; results for a superseded generation are
// dropped. The mutex is never held across a network call or a Streamer call.
// Start and End are serialized by lifeMu, which is held across those calls.
type Orchestrator struct {
	agent   agent.Backend
	stream  Streamer
	store   Store
	updates chan<- *Update
	convLog agent.ConversationLogger
	logger  *slog.Logger
	now     func() time.Time

	completionDelay time.Duration
	requestTimeout  time.Duration

	quit     chan struct{}
	quitOnce sync.Once
	inflight sync.WaitGroup

	lifeMu sync.Mutex

	mu           sync.Mutex
	starting     bool
	retired      bool
	campaign     domain.Campaign
	user         domain.User
	phase        Phase
	sessionID    string
	generation   uint64
	connected    bool
	turn         Turn
	pending      string
	hasPending   bool
	delivering   bool
	events       []stream.Event
	contacts     []domain.Contact
	summary      *domain.Summary
	summarySeq   uint64
	summarySeen  uint64
	lastActivity time.Time
}

// New creates an orchestrator in the Unstarted phase.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	convLog := opts.ConversationLog
	if convLog == nil {
		convLog = agent.NoopConversationLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	delay := opts.CompletionSummaryDelay
	if delay <= 0 {
		delay = defaultCompletionSummaryDelay
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Orchestrator{
		agent:           opts.Agent,
		stream:          opts.Stream,
		store:           opts.Store,
		updates:         opts.Updates,
		convLog:         convLog,
		logger:          logger.With("component", "session", "campaign_id", opts.Campaign.ID),
		now:             now,
		completionDelay: delay,
		requestTimeout:  timeout,
		quit:            make(chan struct{}),
		campaign:        opts.Campaign,
		user:            opts.User,
		phase:           PhaseUnstarted,
		lastActivity:    now(),
	}
}

// CampaignID returns the id of the campaign this orchestrator serves.
func (o *Orchestrator) CampaignID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.campaign.ID
}

// SetProfile replaces the campaign and user data used by the next Start.
func (o *Orchestrator) SetProfile(campaign domain.Campaign, user domain.User) {
	o.mu.Lock()
	o.campaign = campaign
	o.user = user
	o.mu.Unlock()
}

// Start opens a new agent session. If a session is already live it is
// superseded: its stream is closed before the new one opens and its id is
// never reused.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	switch {
	case o.retired:
		o.mu.Unlock()
		return "", errRetired
	case o.starting:
		o.mu.Unlock()
		return "", ErrStartInProgress
	}
	o.starting = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
	}()

	// An End in flight finishes before the new session opens.
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	o.mu.Lock()
	prevPhase := o.phase
	o.phase = PhaseStarting
	campaign, user := o.campaign, o.user
	o.lastActivity = o.now()
	o.mu.Unlock()
	o.publishState()

	sessionID, err := o.agent.StartSession(ctx, agent.StartRequest{
		CampaignID: campaign.ID,
		UserID:     user.UserID,
	})
	if err != nil {
		o.mu.Lock()
		o.phase = prevPhase
		o.mu.Unlock()
		o.logger.Error("failed to start agent session", "error", err)
		o.publishState()
		o.publishError(fmt.Sprintf("failed to start session: %v", err))
		return "", fmt.Errorf("start agent session: %w", err)
	}

	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.sessionID = sessionID
	o.connected = false
	o.turn.Reset(TurnWaitingForAgent)
	o.pending = BuildInitialMessage(campaign, user)
	o.hasPending = true
	o.delivering = false
	o.events = nil
	o.summary = nil
	o.mu.Unlock()

	logger := o.logger.With("session_id", sessionID)
	logger.Info("agent session started")

	o.stream.Close()
	connectErr := o.stream.Connect(ctx, sessionID, &streamHandler{o: o, gen: gen, sessionID: sessionID})

	o.mu.Lock()
	if gen == o.generation {
		o.phase = PhaseLive
	}
	o.mu.Unlock()

	o.record(sessionID, campaign)
	o.markActive(campaign)
	o.publishState()

	if connectErr != nil {
		logger.Error("failed to connect event stream", "error", connectErr)
		o.publishError("event stream unavailable, restart the session to retry")
		return sessionID, fmt.Errorf("connect event stream: %w", connectErr)
	}

	o.deliverPending()
	return sessionID, nil
}

// Submit sends one user message. Validation happens locally before any
// network call; a failed send hands the turn back to the user.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	switch {
	case o.sessionID == "":
		o.mu.Unlock()
		return ErrNoSession
	case !o.connected:
		o.mu.Unlock()
		return ErrNotConnected
	}
	if err := o.turn.BeginSend(); err != nil {
		o.mu.Unlock()
		return ErrAgentBusy
	}
	sessionID, gen := o.sessionID, o.generation
	ev := stream.NewTextEvent(stream.TypeUserMessage, sessionID, text, o.now())
	o.events = append(o.events, ev)
	o.lastActivity = o.now()
	o.mu.Unlock()

	o.publishEvent(ev)
	o.publishState()
	o.logConversation(sessionID, "outbound", ev, nil)

	if _, err := o.agent.SendMessage(ctx, sessionID, text); err != nil {
		o.mu.Lock()
		if gen == o.generation {
			o.turn.RevertSend()
		}
		o.mu.Unlock()
		o.logger.Warn("failed to send message", "session_id", sessionID, "error", err)
		o.publishState()
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// RefreshSummary fetches the session summary. It returns nil, nil when the
// stream is not connected or no session is known.
func (o *Orchestrator) RefreshSummary(ctx context.Context) (*domain.Summary, error) {
	o.mu.Lock()
	sessionID, gen := o.sessionID, o.generation
	o.mu.Unlock()
	return o.fetchSummary(ctx, gen, sessionID)
}

// RefreshContacts re-reads the campaign's contacts from the store.
func (o *Orchestrator) RefreshContacts(ctx context.Context) ([]domain.Contact, error) {
	campaignID := o.CampaignID()
	contacts, err := o.store.ListContacts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	o.setContacts(contacts)
	return contacts, nil
}

// End terminates the current session. All session state is dropped except
// the last summary. End without a session is a no-op.
func (o *Orchestrator) End(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	o.mu.Lock()
	sessionID, gen := o.sessionID, o.generation
	o.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	logger := o.logger.With("session_id", sessionID)

	if _, err := o.fetchSummary(ctx, gen, sessionID); err != nil {
		logger.Warn("final summary fetch failed", "error", err)
	}
	if err := o.agent.EndSession(ctx, sessionID); err != nil {
		logger.Warn("failed to end agent session", "error", err)
	}
	o.stream.Close()

	o.mu.Lock()
	if gen == o.generation {
		o.generation++
		o.phase = PhaseEnded
		o.sessionID = ""
		o.connected = false
		o.turn.Reset(TurnIdle)
		o.pending = ""
		o.hasPending = false
		o.delivering = false
		o.events = nil
	}
	final := o.summary
	o.lastActivity = o.now()
	o.mu.Unlock()

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout)
	defer cancel()
	if err := o.store.EndAgentSession(storeCtx, sessionID, final); err != nil {
		logger.Warn("failed to record session end", "error", err)
	}

	logger.Info("agent session ended")
	o.publishState()
	return nil
}

// retire marks an idle orchestrator as dropped so later Start calls fail
// with errRetired. It refuses when a start is pending, a session is live, or
// there was activity at or after cutoff.
func (o *Orchestrator) retire(cutoff time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retired {
		return true
	}
	if o.starting || (o.phase != PhaseEnded && o.phase != PhaseUnstarted) {
		return false
	}
	if !o.lastActivity.Before(cutoff) {
		return false
	}
	o.retired = true
	return true
}

// Shutdown closes the stream and waits for background work to finish.
// Pending delayed work is abandoned.
func (o *Orchestrator) Shutdown() {
	o.quitOnce.Do(func() { close(o.quit) })
	o.stream.Close()
	o.inflight.Wait()
}

// WaitIdle blocks until all background work started so far has finished.
func (o *Orchestrator) WaitIdle() {
	o.inflight.Wait()
}

// State returns the compact state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

// Snapshot returns a copy of everything the orchestrator knows.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		State:    o.stateLocked(),
		Events:   make([]stream.Event, len(o.events)),
		Contacts: make([]domain.Contact, len(o.contacts)),
	}
	copy(snap.Events, o.events)
	copy(snap.Contacts, o.contacts)
	if o.summary != nil {
		s := *o.summary
		snap.Summary = &s
	}
	return snap
}

// LastActivity returns when the session last saw traffic or a lifecycle call.
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActivity
}

func (o *Orchestrator) stateLocked() State {
	return State{
		CampaignID:     o.campaign.ID,
		SessionID:      o.sessionID,
		Phase:          o.phase,
		Turn:           o.turn.State,
		Prompt:         o.turn.Prompt,
		Connected:      o.connected,
		PendingInitial: o.hasPending,
	}
}

type streamHandler struct {
	o         *Orchestrator
	gen       uint64
	sessionID string
}

func (h *streamHandler) HandleEvent(ev stream.Event) {
	h.o.handleEvent(h.gen, h.sessionID, ev)
}

func (h *streamHandler) HandleDisconnect(err error) {
	h.o.handleDisconnect(h.gen, h.sessionID, err)
}

func (o *Orchestrator) handleEvent(gen uint64, sessionID string, ev stream.Event) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.lastActivity = o.now()

	switch ev.Type {
	case stream.TypeHeartbeat:
		changed := !o.connected
		o.connected = true
		o.mu.Unlock()
		if changed {
			o.publishState()
		}
		return
	case stream.TypeConnected:
		o.connected = true
		o.mu.Unlock()
		o.logger.Info("event stream connected", "session_id", sessionID)
		o.publishState()
		o.goFetchSummary(gen, sessionID, 0)
		o.deliverPending()
		return
	}

	o.events = append(o.events, ev)
	o.turn.Apply(ev)
	campaignID := o.campaign.ID
	o.mu.Unlock()

	o.publishEvent(ev)
	o.publishState()
	o.logConversation(sessionID, "inbound", ev, nil)

	switch ev.Type {
	case stream.TypeFunctionResult:
		if res, ok := ev.Content.(stream.FunctionResult); ok && len(res.ScoredCandidates) > 0 {
			for _, i := range res.RepairedCandidates {
				o.logger.Warn("repaired malformed scored candidate",
					"session_id", sessionID, "campaign_id", campaignID, "index", i)
			}
			o.goPersist(sessionID, campaignID, res.ScoredCandidates)
		}
		o.goFetchSummary(gen, sessionID, 0)
	case stream.TypeCompletion:
		o.goCompletion(gen, sessionID, campaignID)
	case stream.TypeError:
		o.logger.Warn("agent reported error", "session_id", sessionID, "message", ev.Text())
	}

	o.deliverPending()
}

func (o *Orchestrator) handleDisconnect(gen uint64, sessionID string, err error) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.connected = false
	o.mu.Unlock()

	o.logger.Warn("event stream disconnected", "session_id", sessionID, "error", err)
	o.publishState()
	o.publishError("event stream disconnected, restart the session to reconnect")
}

// deliverPending sends the queued initial message when the stream is ready,
// a message is pending and a session id is known. At most one attempt is in
// flight; a failed attempt keeps the message for the next trigger.
func (o *Orchestrator) deliverPending() {
	o.mu.Lock()
	if !o.connected || !o.hasPending || o.sessionID == "" || o.delivering {
		o.mu.Unlock()
		return
	}
	o.delivering = true
	msg, sessionID, gen := o.pending, o.sessionID, o.generation
	o.mu.Unlock()

	o.spawn(func(ctx context.Context) {
		_, err := o.agent.SendMessage(ctx, sessionID, msg)

		o.mu.Lock()
		if gen != o.generation {
			o.mu.Unlock()
			return
		}
		o.delivering = false
		var ev stream.Event
		if err == nil {
			o.pending = ""
			o.hasPending = false
			ev = stream.NewTextEvent(stream.TypeUserMessage, sessionID, msg, o.now())
			o.events = append(o.events, ev)
		}
		o.mu.Unlock()

		if err != nil {
			o.logger.Warn("initial message delivery failed", "session_id", sessionID, "error", err)
			return
		}
		o.logger.Info("initial message delivered", "session_id", sessionID)
		o.publishEvent(ev)
		o.publishState()
		o.logConversation(sessionID, "outbound", ev, map[string]any{"initial": true})
	})
}

// fetchSummary applies a summary result only if it belongs to the current
// generation and no later fetch has been applied already.
func (o *Orchestrator) fetchSummary(ctx context.Context, gen uint64, sessionID string) (*domain.Summary, error) {
	o.mu.Lock()
	if !o.connected || sessionID == "" || gen != o.generation || o.sessionID != sessionID {
		o.mu.Unlock()
		return nil, nil
	}
	o.summarySeq++
	seq := o.summarySeq
	o.mu.Unlock()

	summary, err := o.agent.GetSummary(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}

	o.mu.Lock()
	applied := gen == o.generation && seq > o.summarySeen && summary != nil
	if applied {
		o.summary = summary
		o.summarySeen = seq
	}
	o.mu.Unlock()

	if applied {
		s := *summary
		o.publish(&Update{Kind: UpdateSummary, SessionID: sessionID, Summary: &s})
	}
	return summary, nil
}

func (o *Orchestrator) goFetchSummary(gen uint64, sessionID string, delay time.Duration) {
	o.spawn(func(ctx context.Context) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-o.quit:
				return
			}
		}
		if _, err := o.fetchSummary(ctx, gen, sessionID); err != nil {
			o.logger.Warn("summary fetch failed", "session_id", sessionID, "error", err)
		}
	})
}

func (o *Orchestrator) goPersist(sessionID, campaignID string, candidates []domain.ScoredCandidate) {
	o.spawn(func(ctx context.Context) {
		contacts, err := persistCandidates(ctx, o.store, campaignID, candidates)
		if err != nil {
			o.logger.Warn("failed to persist scored candidates",
				"session_id", sessionID,
				"count", len(candidates),
				"error", err)
			return
		}
		o.logger.Info("persisted scored candidates",
			"session_id", sessionID,
			"count", len(candidates),
			"total", len(contacts))
		o.setContacts(contacts)
	})
}

// goCompletion marks the campaign completed, then refreshes the summary after
// the completion delay.
func (o *Orchestrator) goCompletion(gen uint64, sessionID, campaignID string) {
	o.spawn(func(ctx context.Context) {
		campaign, err := o.store.UpdateCampaignStatus(ctx, campaignID, domain.CampaignCompleted)
		if err != nil {
			o.logger.Warn("failed to mark campaign completed", "session_id", sessionID, "error", err)
		} else {
			o.setCampaign(campaign)
		}
	})
	o.goFetchSummary(gen, sessionID, o.completionDelay)
}

func (o *Orchestrator) markActive(campaign domain.Campaign) {
	if campaign.Status != domain.CampaignDraft {
		return
	}
	o.spawn(func(ctx context.Context) {
		updated, err := o.store.UpdateCampaignStatus(ctx, campaign.ID, domain.CampaignActive)
		if err != nil {
			o.logger.Warn("failed to mark campaign active", "error", err)
			return
		}
		o.setCampaign(updated)
	})
}

func (o *Orchestrator) record(sessionID string, campaign domain.Campaign) {
	ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
	defer cancel()
	err := o.store.RecordAgentSession(ctx, &domain.AgentSession{
		SessionID:  sessionID,
		CampaignID: campaign.ID,
		UserID:     campaign.UserID,
		StartedAt:  o.now(),
	})
	if err != nil {
		o.logger.Warn("failed to record agent session", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) setContacts(contacts []domain.Contact) {
	o.mu.Lock()
	o.contacts = contacts
	o.mu.Unlock()

	out := make([]domain.Contact, len(contacts))
	copy(out, contacts)
	o.publish(&Update{Kind: UpdateContacts, Contacts: out})
}

func (o *Orchestrator) setCampaign(campaign *domain.Campaign) {
	if campaign == nil {
		return
	}
	o.mu.Lock()
	o.campaign = *campaign
	o.mu.Unlock()

	c := *campaign
	o.publish(&Update{Kind: UpdateCampaign, Campaign: &c})
}

// spawn runs fn on a tracked goroutine with a bounded context.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (o *Orchestrator) publishEvent(ev stream.Event) {
	o.publish(&Update{Kind: UpdateEvent, SessionID: ev.SessionID, Event: &ev})
}

func (o *Orchestrator) publishState() {
	st := o.State()
	o.publish(&Update{Kind: UpdateState, SessionID: st.SessionID, State: &st})
}

func (o *Orchestrator) publishError(msg string) {
	o.publish(&Update{Kind: UpdateError, Message: msg})
}

func (o *Orchestrator) publish(u *Update) {
	if o.updates == nil {
		return
	}
	o.mu.Lock()
	u.UserID = o.user.UserID
	u.CampaignID = o.campaign.ID
	if u.SessionID == "" {
		u.SessionID = o.sessionID
	}
	o.mu.Unlock()

	select {
	case o.updates <- u:
	default:
		o.logger.Warn("update channel full, dropping update", "kind", u.Kind)
	}
}

func (o *Orchestrator) logConversation(sessionID, direction string, ev stream.Event, meta map[string]any) {
	o.mu.Lock()
	userID, campaignID := o.user.UserID, o.campaign.ID
	o.mu.Unlock()

	raw := string(ev.Raw)
	if raw == "" {
		raw = ev.Text()
	}
	o.convLog.Log(agent.ConversationLogEvent{
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		CampaignID: campaignID,
		Channel:    conversationChannel,
		Direction:  direction,
		EventType:  string(ev.Type),
		ContentRaw: raw,
		Content:    ev.Text(),
		Meta:       meta,
	})
}
