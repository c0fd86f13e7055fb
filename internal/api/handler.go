// Package api provides HTTP handlers for the OutreachAI API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/outreach-ai/internal/domain"
	"github.com/ashureev/outreach-ai/internal/identity"
	"github.com/ashureev/outreach-ai/internal/relay"
	"github.com/ashureev/outreach-ai/internal/session"
	"github.com/ashureev/outreach-ai/internal/store"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

// Options wires a Handler.
type Options struct {
	Repo store.Repository
	// Sessions is nil when AI sessions are disabled.
	Sessions           *session.Manager
	Hub                *relay.Hub
	Limiter            *RateLimiter
	MaxRequestBodySize int64
	Logger             *slog.Logger
}

// Handler serves the campaign, contact, user and session endpoints.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
	hub      *relay.Hub
	limiter  *RateLimiter
	maxBody  int64
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxRequestBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &Handler{
		repo:     opts.Repo,
		sessions: opts.Sessions,
		hub:      opts.Hub,
		limiter:  opts.Limiter,
		maxBody:  maxBody,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes registers every API route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Put("/me", h.UpdateMe)
		r.Get("/config", h.GetConfig)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaign)
			r.Get("/", h.ListCampaigns)

			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Patch("/", h.UpdateCampaign)
				r.Get("/contacts", h.ListContacts)
				r.Post("/contacts", h.CreateContacts)
				r.Get("/sessions", h.ListSessions)

				r.Route("/session", func(r chi.Router) {
					r.Post("/", h.StartSession)
					r.Get("/", h.GetSession)
					r.Delete("/", h.EndSession)
					r.Post("/messages", h.PostMessage)
					r.Post("/summary", h.RefreshSummary)
					r.Get("/events", h.StreamEvents)
				})
			})
		})
	})
	r.Get("/ws/campaigns/{campaignID}/session", h.SessionSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// decodeBody reads a size-limited JSON body into v.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (h *Handler) badBody(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	Error(w, http.StatusBadRequest, "invalid request body")
}

// currentUser loads the user attached to the request by the identity
// middleware.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return nil, false
	}
	return user, true
}

// ownedCampaign loads the campaign named in the path. Campaigns of other
// users are reported as missing.
func (h *Handler) ownedCampaign(w http.ResponseWriter, r *http.Request) (*domain.Campaign, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	campaign, err := h.repo.GetCampaign(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "campaign not found")
			return nil, false
		}
		h.logger.Error("failed to load campaign", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load campaign")
		return nil, false
	}
	if campaign.UserID != userID {
		Error(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return campaign, true
}
