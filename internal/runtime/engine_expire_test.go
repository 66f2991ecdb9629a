package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waymark/internal/runtime"
	"github.com/aretw0/waymark/pkg/adapters/memory"
	"github.com/aretw0/waymark/pkg/domain"
)

func TestEngine_ExpireOlderThan(t *testing.T) {
	store := newFlakyStore()
	clock := newClock()
	engine := newEngine(store, clock)
	ctx := context.Background()

	_, err := engine.CreateSession(ctx, "stale")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = engine.CreateSession(ctx, "boundary")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = engine.CreateSession(ctx, "fresh")
	require.NoError(t, err)

	// cutoff = now - 10m, which is exactly boundary's updated_at.
	n, err := engine.ExpireOlderThan(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = engine.GetSession(ctx, "stale")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	for _, id := range []string{"boundary", "fresh"} {
		_, err := engine.GetSession(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestEngine_ExpireRetainsSessionTouchedDuringSweep(t *testing.T) {
	store := newFlakyStore()
	clock := newClock()
	engine := newEngine(store, clock)
	ctx := context.Background()

	_, err := engine.CreateSession(ctx, "busy")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	// Another instance writes the session after the sweep listed it.
	store.onList = func() {
		touched := domain.NewSession("busy", clock.Now())
		_ = store.Store.Save(ctx, touched)
	}

	n, err := engine.ExpireOlderThan(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = store.Load(ctx, "busy")
	assert.NoError(t, err)
}

// staleReadStore serves a snapshot taken before a concurrent write, so only
// the conditional delete can notice the change.
type staleReadStore struct {
	*memory.Store
	stale *domain.Session
}

func (s *staleReadStore) Load(ctx context.Context, id string) (*domain.Session, error) {
	if s.stale != nil && id == s.stale.ID {
		return s.stale.Clone(), nil
	}
	return s.Store.Load(ctx, id)
}

func TestEngine_ExpireUsesCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore()
	old := domain.NewSession("s", t0)
	require.NoError(t, inner.Save(ctx, old))

	current := old.Clone()
	current.Touch(t0.Add(2 * time.Hour))
	require.NoError(t, inner.Save(ctx, current))

	clock := newClock()
	clock.Advance(3 * time.Hour)
	engine := runtime.NewEngine(&staleReadStore{Store: inner, stale: old}, runtime.WithClock(clock.Now))

	n, err := engine.ExpireOlderThan(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "record changed after it was read must survive")
	_, err = inner.Load(ctx, "s")
	assert.NoError(t, err)
}

func TestEngine_ExpireSurfacesStoreErrors(t *testing.T) {
	store := newFlakyStore()
	engine := runtime.NewEngine(&failingDeleteStore{flakyStore: store})
	ctx := context.Background()
	require.NoError(t, store.Store.Save(ctx, domain.NewSession("s", t0)))

	_, err := engine.ExpireOlderThan(ctx, time.Nanosecond)
	assert.True(t, domain.IsPersistence(err))
}

type failingDeleteStore struct {
	*flakyStore
}

func (s *failingDeleteStore) DeleteIfUnchanged(context.Context, string, time.Time) (bool, error) {
	return false, errStoreDown
}
