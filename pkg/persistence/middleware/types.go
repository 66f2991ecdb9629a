package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/ports"
)

// Middleware allows wrapping a SessionStore to add behavior.
type Middleware func(ports.SessionStore) ports.SessionStore

// Chain applies middlewares so that the first one is the outermost.
func Chain(store ports.SessionStore, mws ...Middleware) ports.SessionStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}

// deleteIfUnchanged forwards to next when it supports conditional deletes.
// Otherwise it compares and deletes in two steps, which is only safe while
// the caller holds the session lock.
func deleteIfUnchanged(ctx context.Context, next ports.SessionStore, sessionID string, updatedAt time.Time) (bool, error) {
	if cd, ok := next.(ports.ConditionalDeleter); ok {
		return cd.DeleteIfUnchanged(ctx, sessionID, updatedAt)
	}
	current, err := next.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	if !current.UpdatedAt.Equal(updatedAt) {
		return false, nil
	}
	return true, next.Delete(ctx, sessionID)
}
