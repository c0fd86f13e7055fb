// Package stream consumes the agent's server-push event stream: it parses
// SSE frames into typed events and keeps at most one live connection per
// client.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/outreach-ai/internal/domain"
)

// Type tags a stream event.
type Type string

const (
	TypeConnected      Type = "connected"
	TypeHeartbeat      Type = "heartbeat"
	TypeInputRequest   Type = "input_request"
	TypeDisplayMessage Type = "display_message"
	TypeAgentThought   Type = "agent_thought"
	TypeAgentThinking  Type = "agent_thinking"
	TypeFunctionCall   Type = "function_call"
	TypeFunctionResult Type = "function_result"
	TypeCompletion     Type = "completion"
	TypeError          Type = "error"

	// TypeUserMessage marks user submissions in the local event log. The
	// agent does not send it; a frame that does carry this tag is treated
	// like any other unrecognized agent event.
	TypeUserMessage Type = "user_message"
)

var (
	errEmptyFrame  = errors.New("stream: empty frame")
	errMissingType = errors.New("stream: event has no type")
)

// Content is the type-specific payload of an event. The concrete type is
// one of Text, FunctionCall, FunctionResult, Status or Unknown.
type Content interface {
	isContent()
}

// Text carries the human-readable payload of message-like events.
type Text struct {
	Text string
}

// FunctionCall describes a tool invocation announced by the agent.
type FunctionCall struct {
	Name      string
	Arguments json.RawMessage
}

// FunctionResult is the outcome of a tool invocation. ScoredCandidates is
// populated when the result object carries a scored_candidates list; one
// entry per list element, in order. RepairedCandidates holds the indexes of
// elements with fields of the wrong type, which were reset to zero values.
type FunctionResult struct {
	Name               string
	ScoredCandidates   []domain.ScoredCandidate
	RepairedCandidates []int
	Text               string
}

// Status is the payload of connected and heartbeat events.
type Status struct {
	Status string
}

// Unknown keeps the payload of event types this client does not model.
type Unknown struct{}

func (Text) isContent()           {}
func (FunctionCall) isContent()   {}
func (FunctionResult) isContent() {}
func (Status) isContent()         {}
func (Unknown) isContent()        {}

// Event is one push-delivered message from the agent.
type Event struct {
	Type      Type
	Timestamp time.Time
	SessionID string
	Content   Content
	// Raw is the undecoded content field.
	Raw json.RawMessage
}

type wireEvent struct {
	Type         string          `json:"type"`
	Content      json.RawMessage `json:"content"`
	Timestamp    string          `json:"timestamp"`
	SessionID    string          `json:"session_id"`
	SessionIDAlt string          `json:"sessionId"`
}

// Visible reports whether the event belongs in the user-visible log.
func (e Event) Visible() bool {
	return e.Type != TypeConnected && e.Type != TypeHeartbeat
}

// Text returns the best plain-text rendering of the event content.
func (e Event) Text() string {
	switch c := e.Content.(type) {
	case Text:
		return c.Text
	case FunctionCall:
		return c.Name
	case FunctionResult:
		if c.Text != "" {
			return c.Text
		}
		return c.Name
	case Status:
		return c.Status
	}
	return string(e.Raw)
}

// MarshalJSON renders the event in the agent's wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	raw := e.Raw
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	out := struct {
		Type      Type            `json:"type"`
		Content   json.RawMessage `json:"content"`
		Timestamp string          `json:"timestamp"`
		SessionID string          `json:"session_id,omitempty"`
	}{
		Type:      e.Type,
		Content:   raw,
		SessionID: e.SessionID,
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the agent's wire shape.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := Decode(data, "")
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// NewTextEvent builds a locally originated text event.
func NewTextEvent(t Type, sessionID, text string, at time.Time) Event {
	raw, _ := json.Marshal(text)
	return Event{
		Type:      t,
		Timestamp: at,
		SessionID: sessionID,
		Content:   Text{Text: text},
		Raw:       raw,
	}
}

// Decode parses one frame payload into an Event. fallbackType is used when
// the payload carries no type of its own (typically the SSE event name).
func Decode(data []byte, fallbackType string) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Event{}, errEmptyFrame
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("stream: decode event: %w", err)
	}

	t := strings.TrimSpace(w.Type)
	if t == "" {
		// "message" is the SSE default event name, not an event type.
		t = strings.TrimSpace(fallbackType)
		if t == "message" {
			t = ""
		}
	}
	if t == "" {
		return Event{}, errMissingType
	}

	ev := Event{
		Type:      Type(t),
		SessionID: w.SessionID,
		Raw:       w.Content,
	}
	if ev.SessionID == "" {
		ev.SessionID = w.SessionIDAlt
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			ev.Timestamp = ts
		}
	}
	ev.Content = decodeContent(ev.Type, w.Content)
	return ev, nil
}

func decodeContent(t Type, raw json.RawMessage) Content {
	switch t {
	case TypeConnected, TypeHeartbeat:
		obj := objectOf(raw)
		return Status{Status: firstString(obj, "status", "message")}
	case TypeFunctionCall:
		obj := objectOf(raw)
		call := FunctionCall{Name: firstString(obj, "name", "function", "function_name")}
		for _, key := range []string{"arguments", "args", "parameters"} {
			if v, ok := obj[key]; ok {
				call.Arguments = v
				break
			}
		}
		return call
	case TypeFunctionResult:
		obj := objectOf(raw)
		res := FunctionResult{Name: firstString(obj, "name", "function", "function_name")}
		if obj == nil {
			res.Text = textOf(raw)
		} else {
			res.Text = firstString(obj, "message", "result", "text")
		}
		if v, ok := obj["scored_candidates"]; ok {
			res.ScoredCandidates, res.RepairedCandidates = decodeCandidates(v)
		}
		return res
	case TypeInputRequest, TypeDisplayMessage, TypeAgentThought, TypeAgentThinking,
		TypeCompletion, TypeError, TypeUserMessage:
		return Text{Text: textOf(raw)}
	default:
		return Unknown{}
	}
}

// decodeCandidates decodes each list element on its own so one malformed
// candidate cannot drop the rest of the batch.
func decodeCandidates(raw json.RawMessage) ([]domain.ScoredCandidate, []int) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil, nil
	}
	candidates := make([]domain.ScoredCandidate, 0, len(items))
	var repaired []int
	for i, item := range items {
		c, ok := decodeCandidate(item)
		if !ok {
			repaired = append(repaired, i)
		}
		candidates = append(candidates, c)
	}
	return candidates, repaired
}

// decodeCandidate reports false when any field had to be dropped. A
// non-object element yields the zero candidate.
func decodeCandidate(raw json.RawMessage) (domain.ScoredCandidate, bool) {
	var c domain.ScoredCandidate
	if err := json.Unmarshal(raw, &c); err == nil {
		return c, true
	}

	c = domain.ScoredCandidate{}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return c, false
	}
	fields := []struct {
		key string
		dst any
	}{
		{"name", &c.Name},
		{"role", &c.Role},
		{"description", &c.Description},
		{"email", &c.Email},
		{"profile_url", &c.ProfileURL},
		{"score", &c.Score},
		{"strengths", &c.Strengths},
		{"concerns", &c.Concerns},
		{"reasoning", &c.Reasoning},
	}
	for _, f := range fields {
		v, ok := obj[f.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			resetField(f.dst)
		}
	}
	return c, false
}

func resetField(dst any) {
	switch p := dst.(type) {
	case *string:
		*p = ""
	case *[]string:
		*p = nil
	case *domain.Score:
		*p = 0
	}
}

// objectOf decodes raw as a JSON object. A JSON string whose text is itself
// an object is unwrapped once.
func objectOf(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return obj
		}
	}
	return nil
}

func textOf(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if obj := objectOf(raw); obj != nil {
		if text := firstString(obj, "message", "prompt", "text", "content", "question", "error"); text != "" {
			return text
		}
	}
	return string(raw)
}

func firstString(obj map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
