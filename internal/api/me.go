package api

import (
	"net/http"
	"net/mail"
	"strings"
	"time"
)

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, user)
}

type updateMeRequest struct {
	DisplayName *string `json:"display_name"`
	Email       *string `json:"email"`
}

// UpdateMe edits the display name and email used in new sessions.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req updateMeRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.badBody(w, err)
		return
	}

	if req.DisplayName != nil {
		user.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		if email != "" {
			addr, err := mail.ParseAddress(email)
			if err != nil || addr.Address != email {
				Error(w, http.StatusBadRequest, "invalid email")
				return
			}
		}
		user.Email = email
	}
	user.UpdatedAt = time.Now()

	if err := h.repo.UpsertUser(r.Context(), user); err != nil {
		h.logger.Error("failed to update user", "error", err, "user_id", user.UserID)
		Error(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	JSON(w, http.StatusOK, user)
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled": h.sessions != nil,
	})
}
