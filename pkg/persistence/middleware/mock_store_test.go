package middleware_test

import (
	"context"
	"errors"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/ports"
)

// MockStore is a simple map-based store for testing middleware. It keeps
// the pointers it receives so tests can inspect exactly what was written.
type MockStore struct {
	data    map[string]*domain.Session
	failing bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		data: make(map[string]*domain.Session),
	}
}

var errMockDown = errors.New("mock store down")

func (s *MockStore) Save(ctx context.Context, session *domain.Session) error {
	if s.failing {
		return errMockDown
	}
	s.data[session.ID] = session
	return nil
}

func (s *MockStore) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, ok := s.data[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *MockStore) Delete(ctx context.Context, sessionID string) error {
	delete(s.data, sessionID)
	return nil
}

func (s *MockStore) List(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MockStore) Backup(ctx context.Context) (string, error) {
	return "mock", nil
}

var _ ports.SessionStore = (*MockStore)(nil)
