package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/session"
	"github.com/ashureev/outreach-ai/internal/stream"
)

type theme struct {
	title   lipgloss.Style
	label   lipgloss.Style
	agent   lipgloss.Style
	thought lipgloss.Style
	tool    lipgloss.Style
	prompt  lipgloss.Style
	user    lipgloss.Style
	err     lipgloss.Style
	notice  lipgloss.Style
}

func newTheme(color bool) theme {
	if !color {
		plain := lipgloss.NewStyle()
		return theme{plain, plain, plain, plain, plain, plain, plain, plain, plain}
	}
	return theme{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		agent:   lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		thought: lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8")),
		tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		prompt:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		user:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		err:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		notice:  lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	}
}

// renderer prints session updates. It is safe for concurrent use.
type renderer struct {
	mu    sync.Mutex
	out   io.Writer
	theme theme
	// lastTurn suppresses repeated turn notices.
	lastTurn session.TurnState
}

func newRenderer(out io.Writer, color bool) *renderer {
	return &renderer{out: out, theme: newTheme(color)}
}

func (r *renderer) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

func (r *renderer) banner(c domain.Campaign) {
	skills := "any"
	if len(c.TargetSkills) > 0 {
		skills = strings.Join(c.TargetSkills, ", ")
	}
	r.println(r.theme.title.Render("Campaign: "+c.Name) + " " +
		r.theme.label.Render(fmt.Sprintf("(%s, skills: %s, budget: %.2f)", c.ID, skills, c.Budget)))
}

func (r *renderer) notice(msg string) {
	r.println(r.theme.notice.Render("» " + msg))
}

func (r *renderer) render(u *session.Update) {
	switch u.Kind {
	case session.UpdateEvent:
		if u.Event != nil {
			if line := r.eventLine(*u.Event); line != "" {
				r.println(line)
			}
		}
	case session.UpdateState:
		if u.State != nil {
			r.state(*u.State)
		}
	case session.UpdateContacts:
		r.notice(fmt.Sprintf("%d contacts saved", len(u.Contacts)))
	case session.UpdateCampaign:
		if u.Campaign != nil {
			r.notice("campaign is now " + string(u.Campaign.Status))
		}
	case session.UpdateError:
		r.println(r.theme.err.Render("error: " + u.Message))
	}
}

func (r *renderer) state(st session.State) {
	r.mu.Lock()
	changed := st.Turn != r.lastTurn
	r.lastTurn = st.Turn
	r.mu.Unlock()

	switch {
	case st.Phase == session.PhaseEnded:
		r.notice("session ended")
	case st.Phase == session.PhaseLive && !st.Connected && st.SessionID != "" && !st.PendingInitial:
		r.notice("disconnected from the agent, use /restart")
	case changed && st.Turn == session.TurnReadyForInput:
		r.println(r.theme.prompt.Render("> your turn"))
	}
}

func (r *renderer) eventLine(ev stream.Event) string {
	t := r.theme
	text := ev.Text()
	switch ev.Type {
	case stream.TypeDisplayMessage:
		return t.label.Render("agent: ") + t.agent.Render(text)
	case stream.TypeAgentThought, stream.TypeAgentThinking:
		return t.thought.Render("… " + text)
	case stream.TypeFunctionCall:
		return t.tool.Render("→ " + text)
	case stream.TypeFunctionResult:
		line := t.tool.Render("← " + text)
		if res, ok := ev.Content.(stream.FunctionResult); ok && len(res.ScoredCandidates) > 0 {
			line += t.label.Render(fmt.Sprintf(" (%d scored candidates)", len(res.ScoredCandidates)))
		}
		return line
	case stream.TypeInputRequest:
		return t.prompt.Render("? " + text)
	case stream.TypeUserMessage:
		return t.user.Render("you: " + text)
	case stream.TypeCompletion:
		return t.title.Render("✓ " + text)
	case stream.TypeError:
		return t.err.Render("agent error: " + text)
	case stream.TypeConnected, stream.TypeHeartbeat:
		return ""
	default:
		return t.label.Render(string(ev.Type)+": ") + text
	}
}

func (r *renderer) summary(s *domain.Summary) {
	rows := [][2]string{
		{"budget remaining", fmt.Sprintf("%.2f", s.BudgetRemaining)},
		{"candidates", fmt.Sprint(s.CandidateCount)},
		{"scored", fmt.Sprint(s.ScoredCount)},
		{"meetings", fmt.Sprint(s.MeetingsScheduled)},
		{"outreach messages", fmt.Sprint(s.OutreachMessages)},
		{"function calls", fmt.Sprint(s.FunctionCalls)},
		{"errors", fmt.Sprint(s.Errors)},
	}
	var b strings.Builder
	b.WriteString(r.theme.title.Render("Summary"))
	for _, row := range rows {
		b.WriteString("\n  " + r.theme.label.Render(fmt.Sprintf("%-18s", row[0])) + row[1])
	}
	r.println(b.String())
}

func (r *renderer) contacts(contacts []domain.Contact) {
	if len(contacts) == 0 {
		r.notice("no contacts yet")
		return
	}
	var b strings.Builder
	b.WriteString(r.theme.title.Render(fmt.Sprintf("Contacts (%d)", len(contacts))))
	for _, c := range contacts {
		line := fmt.Sprintf("\n  %5.1f  %s", c.Score, c.Name)
		if c.Role != "" {
			line += r.theme.label.Render(" · " + c.Role)
		}
		b.WriteString(line)
	}
	r.println(b.String())
}
