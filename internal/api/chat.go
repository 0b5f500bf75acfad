package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/traitlab/internal/assessment"
	"github.com/ashureev/traitlab/internal/chat"
	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/identity"
	"github.com/ashureev/traitlab/internal/middleware"
)

// Transport is the transcript label for HTTP chat traffic.
const Transport = "http"

// ChatHandler exposes the chat and assessment state over JSON.
type ChatHandler struct {
	*Handler
	limiter *middleware.Limiter
}

// NewChatHandler creates a chat handler. limiter may be nil.
func NewChatHandler(base *Handler, limiter *middleware.Limiter) *ChatHandler {
	return &ChatHandler{Handler: base, limiter: limiter}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	limited := middleware.RateLimit(h.limiter, func(r *http.Request) string {
		return identity.UserIDFromContext(r.Context())
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/progress", h.GetProgress)
		r.Get("/analyses", h.ListAnalyses)
		r.With(limited).Post("/messages", h.PostMessage)
		r.With(limited).Post("/analysis", h.PostAnalysis)
	})
}

// GetMe returns the current user's information.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    user.UserID,
		"username":   user.Username,
		"language":   user.Language,
		"channel_id": identity.ChannelIDFromContext(r.Context()),
	})
}

type messageRequest struct {
	Text string `json:"text"`
}

// PostMessage feeds one chat message through the command router.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	replies, err := h.router.Handle(ctx, chat.Inbound{
		UserID:    identity.UserIDFromContext(ctx),
		Username:  identity.UsernameFromContext(ctx),
		ChannelID: identity.ChannelIDFromContext(ctx),
		Text:      req.Text,
		Transport: Transport,
	})
	if replies == nil {
		replies = []chat.Reply{}
	}
	if err != nil {
		JSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   "request_failed",
			"replies": replies,
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"replies": replies})
}

// GetProgress reports progress of the caller's current session.
func (h *ChatHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	progress, err := h.engine.Progress(ctx, identity.UserIDFromContext(ctx), identity.ChannelIDFromContext(ctx))
	if errors.Is(err, assessment.ErrNoActiveSession) {
		Error(w, http.StatusNotFound, "no_session")
		return
	}
	if err != nil {
		slog.Error("Failed to load progress", "error", err, "user_id", identity.UserIDFromContext(ctx))
		Error(w, http.StatusInternalServerError, "request_failed")
		return
	}
	JSON(w, http.StatusOK, progress)
}

type analysisRequest struct {
	Depth string `json:"depth"`
}

// PostAnalysis selects an analysis depth for the caller's open offer.
func (h *ChatHandler) PostAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	depth, ok := domain.ParseDepth(strings.ToLower(strings.TrimSpace(req.Depth)))
	if !ok {
		Error(w, http.StatusBadRequest, "invalid_depth")
		return
	}

	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	a, err := h.router.RequestAnalysis(ctx, userID, identity.ChannelIDFromContext(ctx), depth, h.router.Language(ctx, userID))
	switch {
	case errors.Is(err, chat.ErrOfferExpired):
		Error(w, http.StatusGone, "analysis_offer_expired")
	case errors.Is(err, chat.ErrNoOffer):
		Error(w, http.StatusNotFound, "no_analysis_offer")
	case err != nil:
		slog.Error("Failed to produce analysis", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "request_failed")
	default:
		JSON(w, http.StatusOK, a)
	}
}

// ListAnalyses returns the analyses of the caller's latest session.
func (h *ChatHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	session, err := h.engine.LatestSession(ctx, userID, identity.ChannelIDFromContext(ctx))
	if err != nil {
		slog.Error("Failed to load latest session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "request_failed")
		return
	}

	analyses := []*domain.Analysis{}
	if session != nil {
		list, err := h.repo.ListAnalyses(ctx, session.ID)
		if err != nil {
			slog.Error("Failed to list analyses", "error", err, "session_id", session.ID)
			Error(w, http.StatusInternalServerError, "request_failed")
			return
		}
		if list != nil {
			analyses = list
		}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"analyses": analyses})
}
