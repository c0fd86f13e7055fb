// Package domain contains core domain types for the OutreachAI service.
package domain

import (
	"strings"
	"time"
)

// User represents a user in the system.
type User struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Name returns the best human-readable name for the user.
func (u *User) Name() string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	return u.Username
}

// Identity renders the user as "Name <email>", or just the name when no
// email is on file.
func (u *User) Identity() string {
	email := strings.TrimSpace(u.Email)
	if email == "" {
		return u.Name()
	}
	return u.Name() + " <" + email + ">"
}
