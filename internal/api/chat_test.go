package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/internal/domain"
)

func newRawRequest(t *testing.T, body string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req, httptest.NewRecorder()
}

func chatBody(sessionID int64, message string) map[string]interface{} {
	body := map[string]interface{}{"session_id": sessionID}
	if message != "" {
		body["message"] = message
	}
	return body
}

func sessionMessages(t *testing.T, env *testEnv, sessionID int64) []domain.Message {
	t.Helper()

	w := env.do(t, http.MethodGet, "/sessions/"+itoa(sessionID)+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 listing messages, got %d", w.Code)
	}
	var messages []domain.Message
	if err := json.NewDecoder(w.Body).Decode(&messages); err != nil {
		t.Fatalf("Failed to decode messages: %v", err)
	}
	return messages
}

func TestChatHappyPath(t *testing.T) {
	completer := &fakeCompleter{tokens: []string{"Hello ", "World"}}
	env := newTestEnv(t, completer)
	session := env.createSession(t)

	w := env.do(t, http.MethodPost, "/chat", chatBody(session.ID, "Hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected event-stream content type, got %q", ct)
	}

	body := w.Body.String()
	first := strings.Index(body, `data: {"token": "Hello "}`)
	second := strings.Index(body, `data: {"token": "World"}`)
	done := strings.Index(body, "data: [DONE]")
	if first < 0 || second < 0 || done < 0 {
		t.Fatalf("Stream missing expected events:\n%s", body)
	}
	if !(first < second && second < done) {
		t.Errorf("Events out of order: token1=%d token2=%d done=%d", first, second, done)
	}

	messages := sessionMessages(t, env, session.ID)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != domain.RoleUser || messages[0].Content != "Hi" {
		t.Errorf("Unexpected user message: %+v", messages[0])
	}
	if messages[1].Role != domain.RoleAssistant || messages[1].Content != "Hello World" {
		t.Errorf("Unexpected assistant message: %+v", messages[1])
	}
}

func TestChatUpstreamFailure(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("Fake LLM failure")}
	env := newTestEnv(t, completer)
	session := env.createSession(t)

	w := env.do(t, http.MethodPost, "/chat", chatBody(session.ID, "Hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "OpenAI error") || !strings.Contains(body, "Fake LLM failure") {
		t.Errorf("Expected in-band error event, got:\n%s", body)
	}
	if strings.Count(body, `"error"`) != 1 {
		t.Errorf("Expected exactly one error event, got:\n%s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("Error path must not emit the terminal marker:\n%s", body)
	}

	// The user turn survives the failure; no assistant message is written.
	messages := sessionMessages(t, env, session.ID)
	if len(messages) != 1 {
		t.Fatalf("Expected 1 persisted message, got %d", len(messages))
	}
	if messages[0].Role != domain.RoleUser {
		t.Errorf("Expected the surviving message to be the user turn, got %+v", messages[0])
	}
}

func TestChatFailureMidStream(t *testing.T) {
	completer := &fakeCompleter{tokens: []string{"partial"}, err: errors.New("connection reset")}
	env := newTestEnv(t, completer)
	session := env.createSession(t)

	w := env.do(t, http.MethodPost, "/chat", chatBody(session.ID, "Hi"))

	body := w.Body.String()
	if !strings.Contains(body, `data: {"token": "partial"}`) {
		t.Errorf("Expected the fragment emitted before the failure:\n%s", body)
	}
	if !strings.Contains(body, "connection reset") {
		t.Errorf("Expected error detail in stream:\n%s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("Error path must not emit the terminal marker:\n%s", body)
	}

	messages := sessionMessages(t, env, session.ID)
	if len(messages) != 1 {
		t.Errorf("Partial replies must not be persisted; got %d messages", len(messages))
	}
}

func TestChatUnknownSession(t *testing.T) {
	completer := &fakeCompleter{tokens: []string{"never"}}
	env := newTestEnv(t, completer)
	session := env.createSession(t)

	w := env.do(t, http.MethodPost, "/chat", chatBody(999999, "Hi"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
	if completer.calls != 0 {
		t.Errorf("Upstream must not be called for an unknown session")
	}

	// Existing sessions are unaffected.
	if messages := sessionMessages(t, env, session.ID); len(messages) != 0 {
		t.Errorf("Expected no writes, got %d messages", len(messages))
	}
}

func TestChatMissingMessage(t *testing.T) {
	completer := &fakeCompleter{tokens: []string{"never"}}
	env := newTestEnv(t, completer)
	session := env.createSession(t)

	w := env.do(t, http.MethodPost, "/chat", chatBody(session.ID, ""))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d", w.Code)
	}
	if completer.calls != 0 {
		t.Errorf("Upstream must not be called for an invalid request")
	}
	if messages := sessionMessages(t, env, session.ID); len(messages) != 0 {
		t.Errorf("Expected no writes, got %d messages", len(messages))
	}
}

func TestChatMalformedBody(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{})

	req, w := newRawRequest(t, "{not json")
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestChatZeroFragments(t *testing.T) {
	completer := &fakeCompleter{}
	env := newTestEnv(t, completer)
	session := env.createSession(t)

	w := env.do(t, http.MethodPost, "/chat", chatBody(session.ID, "Hi"))

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("Zero fragments is a valid completion, expected [DONE]:\n%s", body)
	}

	messages := sessionMessages(t, env, session.ID)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(messages))
	}
	if messages[1].Role != domain.RoleAssistant || messages[1].Content != "" {
		t.Errorf("Expected empty assistant message, got %+v", messages[1])
	}
}

func TestChatAppendsToHistory(t *testing.T) {
	completer := &fakeCompleter{tokens: []string{"Response"}}
	env := newTestEnv(t, completer)
	session := env.createSession(t)

	// Seed two prior turns.
	seed := []struct {
		role    domain.Role
		content string
	}{
		{domain.RoleUser, "earlier question"},
		{domain.RoleAssistant, "earlier answer"},
	}
	for _, s := range seed {
		if _, err := env.repo.AddMessage(t.Context(), session.ID, s.role, s.content); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	w := env.do(t, http.MethodPost, "/chat", chatBody(session.ID, "follow-up"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	messages := sessionMessages(t, env, session.ID)
	if len(messages) != 4 {
		t.Fatalf("Expected 4 messages after the turn, got %d", len(messages))
	}
	want := []string{"earlier question", "earlier answer", "follow-up", "Response"}
	for i, msg := range messages {
		if msg.Content != want[i] {
			t.Errorf("Message %d: expected %q, got %q", i, want[i], msg.Content)
		}
	}
}

func TestEventPayloadFraming(t *testing.T) {
	if got := tokenEvent("Hello "); got != `{"token": "Hello "}` {
		t.Errorf("Unexpected token payload: %s", got)
	}
	if got := tokenEvent("say \"hi\"\n"); got != `{"token": "say \"hi\"\n"}` {
		t.Errorf("Expected quotes and newlines escaped, got: %s", got)
	}
	if got := errorEvent("OpenAI error: boom"); got != `{"error": "OpenAI error: boom"}` {
		t.Errorf("Unexpected error payload: %s", got)
	}
}

func TestChatRateLimit(t *testing.T) {
	env := newTestEnv(t, &fakeCompleter{tokens: []string{"ok"}})
	session := env.createSession(t)

	// The shared env allows 100 requests per window; burn the budget.
	var last int
	for i := 0; i < 101; i++ {
		w := env.do(t, http.MethodPost, "/chat", chatBody(session.ID, "Hi"))
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 after exhausting the budget, got %d", last)
	}
}
