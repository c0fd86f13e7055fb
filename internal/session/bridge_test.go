package session

import (
	"reflect"
	"strings"
	"testing"

	"github.com/ashureev/outreach-ai/internal/domain"
)

func TestContactsFromCandidatesDefaults(t *testing.T) {
	t.Parallel()

	got := ContactsFromCandidates("camp-1", []domain.ScoredCandidate{
		{
			Name:        "Grace",
			Role:        "Engineer",
			Description: "compilers",
			Email:       "grace@example.com",
			ProfileURL:  "https://example.com/grace",
			Score:       92.5,
			Strengths:   []string{"rust"},
			Concerns:    []string{"remote only"},
			Reasoning:   "strong fit",
		},
		{Name: "  "},
	})

	want := []domain.Contact{
		{
			CampaignID:  "camp-1",
			Name:        "Grace",
			Role:        "Engineer",
			Description: "compilers",
			Email:       "grace@example.com",
			ProfileURL:  "https://example.com/grace",
			Score:       92.5,
			Strengths:   []string{"rust"},
			Concerns:    []string{"remote only"},
			Reasoning:   "strong fit",
		},
		{
			CampaignID: "camp-1",
			Name:       domain.UnknownContactName,
			Strengths:  []string{},
			Concerns:   []string{},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ContactsFromCandidates =\n%+v\nwant\n%+v", got, want)
	}
}

func TestBuildInitialMessage(t *testing.T) {
	t.Parallel()

	campaign, user := testCampaign(), testUser()
	msg := BuildInitialMessage(campaign, user)
	if again := BuildInitialMessage(campaign, user); again != msg {
		t.Fatal("message is not deterministic")
	}

	for _, want := range []string{
		`"Rust hiring"`,
		"Find systems engineers",
		"rust, tokio",
		"Budget: 500.00",
		"camp-1",
		"Ada <ada@example.com>",
		"user-1",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}

	campaign.TargetSkills = nil
	if msg := BuildInitialMessage(campaign, user); !strings.Contains(msg, "Target skills: any") {
		t.Errorf("empty skills not rendered:\n%s", msg)
	}
}
