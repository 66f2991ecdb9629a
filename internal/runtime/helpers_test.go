package runtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/waymark/internal/runtime"
	"github.com/aretw0/waymark/pkg/adapters/memory"
	"github.com/aretw0/waymark/pkg/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errStoreDown = errors.New("store down")

// flakyStore wraps a memory store and fails writes on demand.
type flakyStore struct {
	*memory.Store
	failSaves   atomic.Bool
	failBackups atomic.Bool
	saves       atomic.Int64
	onList      func()
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.NewStore()}
}

func (s *flakyStore) Save(ctx context.Context, session *domain.Session) error {
	if s.failSaves.Load() {
		return errStoreDown
	}
	s.saves.Add(1)
	return s.Store.Save(ctx, session)
}

func (s *flakyStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.Store.List(ctx)
	if s.onList != nil {
		s.onList()
	}
	return ids, err
}

func (s *flakyStore) Backup(ctx context.Context) (string, error) {
	if s.failBackups.Load() {
		return "", errStoreDown
	}
	return s.Store.Backup(ctx)
}

func newEngine(store *flakyStore, clock *fakeClock, opts ...runtime.EngineOption) *runtime.Engine {
	return runtime.NewEngine(store, append([]runtime.EngineOption{runtime.WithClock(clock.Now)}, opts...)...)
}

func str(s string) *string { return &s }

func scope() domain.Patch {
	return domain.Patch{
		InstanceID:     str("local"),
		DatabaseName:   str("shop"),
		CollectionName: str("orders"),
	}
}

// gatedStore blocks every Load until release is closed.
type gatedStore struct {
	*flakyStore
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{flakyStore: newFlakyStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *gatedStore) Load(ctx context.Context, id string) (*domain.Session, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.flakyStore.Load(ctx, id)
}
