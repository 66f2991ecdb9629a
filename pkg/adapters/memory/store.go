package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
)

// Store implements ports.SessionStore in memory.
// Safe for concurrent use.
type Store struct {
	data    map[string]*domain.Session
	backups []map[string]*domain.Session
	mu      sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Session),
	}
}

// Save persists a copy of the session in memory.
func (s *Store) Save(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	copied := session.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[session.ID] = copied
	return nil
}

// Load returns a copy so callers can't mutate store state by pointer.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.data[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Delete removes the session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// DeleteIfUnchanged removes the session only if it still carries updatedAt.
func (s *Store) DeleteIfUnchanged(ctx context.Context, sessionID string, updatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data[sessionID]
	if !ok || !session.UpdatedAt.Equal(updatedAt) {
		return false, nil
	}
	delete(s.data, sessionID)
	return true, nil
}

// List returns stored session IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]string, 0, len(s.data))
	for id := range s.data {
		sessions = append(sessions, id)
	}
	return sessions, nil
}

// Backup keeps a point-in-time copy of every session for the life of the process.
func (s *Store) Backup(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]*domain.Session, len(s.data))
	for id, session := range s.data {
		snapshot[id] = session.Clone()
	}
	s.backups = append(s.backups, snapshot)
	return fmt.Sprintf("memory:%d", len(s.backups)), nil
}

// Snapshot returns the sessions held by backup n (1-based), or nil.
func (s *Store) Snapshot(n int) map[string]*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n < 1 || n > len(s.backups) {
		return nil
	}
	out := make(map[string]*domain.Session, len(s.backups[n-1]))
	for id, session := range s.backups[n-1] {
		out[id] = session.Clone()
	}
	return out
}
