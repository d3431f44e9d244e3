// Package domain holds the core chat types shared across layers.
package domain

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is a persistent conversation container. Identifiers are
// server-assigned and increase monotonically in creation order.
type Session struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn in a conversation. Messages belong to exactly one
// session and are never mutated after creation.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is the (role, content) projection of a message sent to the
// completion service.
type Turn struct {
	Role    Role
	Content string
}

// Turn projects the message to its upstream form.
func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Content: m.Content}
}
