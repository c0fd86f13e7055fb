package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/outreach-ai/internal/domain"
)

// ContactsFromCandidates maps scored candidates onto contact records. Missing fields get
// their documented defaults; ids and timestamps are assigned by the store.
func ContactsFromCandidates(campaignID string, candidates []domain.ScoredCandidate) []domain.Contact {
	contacts := make([]domain.Contact, 0, len(candidates))
	for _, c := range candidates {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = domain.UnknownContactName
		}
		contacts = append(contacts, domain.Contact{
			CampaignID:  campaignID,
			Name:        name,
			Role:        c.Role,
			Description: c.Description,
			Email:       c.Email,
			ProfileURL:  c.ProfileURL,
			Score:       float64(c.Score),
			Strengths:   nonNil(c.Strengths),
			Concerns:    nonNil(c.Concerns),
			Reasoning:   c.Reasoning,
		})
	}
	return contacts
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// persistCandidates writes one batch of contacts and re-reads the campaign's
// full contact list.
func persistCandidates(ctx context.Context, st Store, campaignID string, candidates []domain.ScoredCandidate) ([]domain.Contact, error) {
	if _, err := st.CreateContacts(ctx, campaignID, ContactsFromCandidates(campaignID, candidates)); err != nil {
		return nil, fmt.Errorf("create contacts: %w", err)
	}
	contacts, err := st.ListContacts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}
