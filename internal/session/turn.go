package session

import (
	"errors"

	"github.com/ashureev/outreach-ai/internal/stream"
)

// TurnState says whose move it is in the conversation.
type TurnState string

const (
	TurnIdle            TurnState = "idle"
	TurnWaitingForAgent TurnState = "waiting_for_agent"
	TurnReadyForInput   TurnState = "ready_for_input"
)

var errNotReady = errors.New("session: not ready for input")

// Turn tracks the turn-taking state of one session. The zero value is Idle.
// Turn is not safe for concurrent use; the orchestrator guards it.
type Turn struct {
	State TurnState
	// Prompt is the text of the outstanding input_request, if any.
	Prompt string

	revertPrompt string
}

// Apply moves the state machine for one forwarded agent event.
func (t *Turn) Apply(ev stream.Event) {
	switch ev.Type {
	case stream.TypeInputRequest:
		t.State = TurnReadyForInput
		t.Prompt = ev.Text()
	case stream.TypeCompletion, stream.TypeError:
		t.State = TurnReadyForInput
		t.Prompt = ""
	case stream.TypeFunctionResult:
		// An outstanding prompt keeps its text; the state only opens up
		// when nothing is pending.
		if t.Prompt == "" {
			t.State = TurnReadyForInput
		}
	case stream.TypeFunctionCall, stream.TypeAgentThinking:
	case stream.TypeConnected, stream.TypeHeartbeat:
	default:
		// Includes user_message echoed by the agent.
		t.State = TurnReadyForInput
	}
}

// BeginSend claims the turn for an outbound user message.
func (t *Turn) BeginSend() error {
	if t.State != TurnReadyForInput {
		return errNotReady
	}
	t.revertPrompt = t.Prompt
	t.Prompt = ""
	t.State = TurnWaitingForAgent
	return nil
}

// RevertSend undoes BeginSend after a failed send. It does nothing if an
// agent event already moved the state on.
func (t *Turn) RevertSend() {
	if t.State != TurnWaitingForAgent {
		return
	}
	t.State = TurnReadyForInput
	if t.Prompt == "" {
		t.Prompt = t.revertPrompt
	}
	t.revertPrompt = ""
}

// Reset returns the machine to the state used right after a session start.
func (t *Turn) Reset(state TurnState) {
	*t = Turn{State: state}
}
