package ports

import (
	"context"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
)

// SessionStore defines the interface for persisting session records.
// It is the single source of truth shared by every engine instance.
type SessionStore interface {
	// Save persists the record under session.ID, replacing any previous one.
	Save(ctx context.Context, session *domain.Session) error

	// Load retrieves the record for a given session ID.
	// Returns domain.ErrSessionNotFound if the session does not exist.
	Load(ctx context.Context, sessionID string) (*domain.Session, error)

	// Delete removes the record. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns the IDs of all stored sessions.
	List(ctx context.Context) ([]string, error)

	// Backup writes a durable snapshot of every stored session and returns
	// an implementation specific location of that snapshot.
	Backup(ctx context.Context) (string, error)
}

// ConditionalDeleter is implemented by stores that can delete a record only
// if it was not modified since it was read.
type ConditionalDeleter interface {
	// DeleteIfUnchanged removes the record only when its stored UpdatedAt
	// equals updatedAt. It reports whether the record was removed.
	DeleteIfUnchanged(ctx context.Context, sessionID string, updatedAt time.Time) (bool, error)
}
