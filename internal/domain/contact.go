package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// UnknownContactName is stored when the agent scored a candidate without a name.
const UnknownContactName = "Unknown"

// Score is a candidate suitability score. The agent sometimes encodes it as a
// string; anything unparseable decodes as zero.
type Score float64

// UnmarshalJSON accepts numbers, numeric strings and null.
func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			*s = 0
			return nil
		}
		*s = Score(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*s = 0
		return nil
	}
	*s = Score(f)
	return nil
}

// ScoredCandidate is a prospect annotated by the agent.
type ScoredCandidate struct {
	Name        string   `json:"name"`
	Role        string   `json:"role,omitempty"`
	Description string   `json:"description,omitempty"`
	Email       string   `json:"email,omitempty"`
	ProfileURL  string   `json:"profile_url,omitempty"`
	Score       Score    `json:"score"`
	Strengths   []string `json:"strengths"`
	Concerns    []string `json:"concerns"`
	Reasoning   string   `json:"reasoning"`
}

// Contact is the durable record created from a scored candidate.
type Contact struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	Name        string    `json:"name"`
	Role        string    `json:"role,omitempty"`
	Description string    `json:"description,omitempty"`
	Email       string    `json:"email,omitempty"`
	ProfileURL  string    `json:"profile_url,omitempty"`
	Score       float64   `json:"score"`
	Strengths   []string  `json:"strengths"`
	Concerns    []string  `json:"concerns"`
	Reasoning   string    `json:"reasoning"`
	CreatedAt   time.Time `json:"created_at"`
}
