package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/outreach-ai/internal/domain"
)

// BuildInitialMessage renders the first message sent to the agent for a new
// session. The output depends only on its arguments.
func BuildInitialMessage(campaign domain.Campaign, user domain.User) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Start outreach campaign %q.\n", campaign.Name)
	if desc := strings.TrimSpace(campaign.Description); desc != "" {
		fmt.Fprintf(&b, "Description: %s\n", desc)
	}

	skills := make([]string, 0, len(campaign.TargetSkills))
	for _, s := range campaign.TargetSkills {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}
	if len(skills) > 0 {
		fmt.Fprintf(&b, "Target skills: %s\n", strings.Join(skills, ", "))
	} else {
		b.WriteString("Target skills: any\n")
	}

	fmt.Fprintf(&b, "Budget: %s\n", strconv.FormatFloat(campaign.Budget, 'f', 2, 64))
	fmt.Fprintf(&b, "Campaign ID: %s\n", campaign.ID)
	fmt.Fprintf(&b, "Requested by: %s (user id %s)", user.Identity(), user.UserID)

	return b.String()
}
