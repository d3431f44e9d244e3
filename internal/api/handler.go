// Package api provides HTTP handlers for the chat API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"chatrelay/internal/config"
	"chatrelay/internal/llm"
	"chatrelay/internal/store"

	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the session and chat endpoints.
type Handler struct {
	repo        store.Repository
	completer   llm.Completer
	rateLimiter *RateLimiter
}

// NewHandler creates a new Handler with its dependencies.
func NewHandler(repo store.Repository, completer llm.Completer, cfg *config.Config) *Handler {
	limit, window := 30, defaultRateWindow
	if cfg != nil {
		limit = cfg.RateLimit.RequestsPerWindow
		window = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		repo:        repo,
		completer:   completer,
		rateLimiter: NewRateLimiter(limit, window),
	}
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// RegisterRoutes mounts all API routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Health)
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{sessionID}/messages", h.ListMessages)
	r.Post("/chat", h.Chat)
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
	JSON(w, status, map[string]string{"error": message})
}

// Health reports service liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// CreateSession creates a new conversation session. The request body, if
// any, is ignored.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.repo.CreateSession(r.Context())
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	slog.Info("Session created", "session_id", session.ID)
	JSON(w, http.StatusCreated, session)
}

// ListMessages returns a session's messages in creation order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to list messages", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	JSON(w, http.StatusOK, messages)
}
