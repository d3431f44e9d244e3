package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatrelay/internal/domain"
	"chatrelay/internal/shared"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID int64  `json:"session_id"`
	Message   string `json:"message"`
}

// Chat executes one conversational turn: it persists the user message,
// streams the assistant reply back as SSE token events, and persists the
// full reply once the stream completes.
//
// Pre-stream failures use the normal JSON error channel. Once streaming has
// started the headers are gone, so upstream failures are reported in-band as
// a single SSE error event.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimiter.Allow(clientKey(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusUnprocessableEntity, "message is required")
		return
	}

	ctx := r.Context()

	session, err := h.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}

	history, err := h.repo.ListMessages(ctx, req.SessionID)
	if err != nil {
		slog.Error("Failed to load history", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	// The full reconstructed history plus the new user turn is the exact
	// context sent upstream; no truncation or windowing.
	turns := make([]domain.Turn, 0, len(history)+1)
	for _, msg := range history {
		turns = append(turns, msg.Turn())
	}
	turns = append(turns, domain.Turn{Role: domain.RoleUser, Content: req.Message})

	// The user turn is durable before the upstream call so it survives a
	// downstream failure.
	if _, err := h.repo.AddMessage(ctx, req.SessionID, domain.RoleUser, req.Message); err != nil {
		slog.Error("Failed to save user message", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save user message")
		return
	}

	slog.Info("Chat turn started",
		"session_id", req.SessionID,
		"history_length", len(history),
		"message_length", len(req.Message),
	)

	// Stream response via SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var reply strings.Builder
	tokens := 0

	for token, err := range h.completer.StreamCompletion(ctx, turns) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("Client disconnected mid-stream", "session_id", req.SessionID, "tokens", tokens)
				return
			}
			slog.Error("Completion stream failed", "session_id", req.SessionID, "tokens", tokens, "error", err)
			payload := errorEvent(fmt.Sprintf("OpenAI error: %v", err))
			if writeErr := writeData(w, payload); writeErr != nil {
				slog.Warn("Failed to write SSE error event", "error", writeErr)
				return
			}
			flusher.Flush()
			return
		}

		if token == "" {
			continue
		}
		tokens++
		reply.WriteString(token)

		if err := writeData(w, tokenEvent(token)); err != nil {
			slog.Warn("Failed to write SSE token event", "session_id", req.SessionID, "error", err)
			return
		}
		flusher.Flush()
	}

	// The client already holds the full reply, so losing this row is logged
	// rather than surfaced.
	if _, err := h.repo.AddMessage(ctx, req.SessionID, domain.RoleAssistant, reply.String()); err != nil {
		slog.Error("Failed to save assistant message",
			"session_id", req.SessionID,
			"tokens", tokens,
			"lock_conflict", shared.IsSQLiteConflictError(err),
			"error", err,
		)
	}

	if err := writeData(w, "[DONE]"); err != nil {
		slog.Warn("Failed to write SSE terminal event", "session_id", req.SessionID, "error", err)
		return
	}
	flusher.Flush()

	slog.Info("Chat turn complete", "session_id", req.SessionID, "tokens", tokens, "reply_length", reply.Len())
}

// writeData writes one SSE event in the fixed "data: <payload>" framing.
func writeData(w io.Writer, payload string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// tokenEvent frames one reply fragment. Clients may match the event line
// byte-for-byte, so the payload keeps a space after the colon instead of
// going through map marshaling.
func tokenEvent(token string) string {
	return fmt.Sprintf(`{"token": %s}`, quoteJSON(token))
}

// errorEvent frames the single in-band failure event.
func errorEvent(detail string) string {
	return fmt.Sprintf(`{"error": %s}`, quoteJSON(detail))
}

func quoteJSON(s string) string {
	// Marshaling a string cannot fail; invalid UTF-8 is replaced.
	data, _ := json.Marshal(s)
	return string(data)
}

// clientKey derives the rate-limit key for a request. RealIP middleware has
// already resolved proxy headers into RemoteAddr.
func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
