// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"chatrelay/internal/domain"
)

// Repository defines the interface for persisting sessions and messages.
type Repository interface {
	// CreateSession creates a new session with a fresh identifier.
	CreateSession(ctx context.Context) (*domain.Session, error)

	// GetSession retrieves a session by ID. Returns (nil, nil) if the
	// session does not exist.
	GetSession(ctx context.Context, id int64) (*domain.Session, error)

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, id int64) error

	// ListMessages retrieves all messages for a session in creation order.
	// An empty session yields an empty slice, not an error.
	ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error)

	// AddMessage appends a message to a session as a single atomic insert.
	AddMessage(ctx context.Context, sessionID int64, role domain.Role, content string) (*domain.Message, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
