package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunSessionStoreContract runs a suite of tests to verify that a SessionStore
// implementation adheres to the defined interface contract.
func RunSessionStoreContract(t *testing.T, store SessionStore) {
	ctx := context.Background()
	sessionID := fmt.Sprintf("contract-%d", time.Now().UnixNano())
	// Sub-second precision must survive a save/load cycle.
	stamp := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)

	t.Run("Save and Load", func(t *testing.T) {
		s := domain.NewSession(sessionID, stamp)
		s.Stage = domain.StageQueryGeneration
		s.History = []domain.Stage{domain.StageInit, domain.StageCollectionSelection}
		s.Fields.InstanceID = "local"
		s.Fields.DatabaseName = "shop"
		s.Fields.CollectionName = "orders"
		s.Fields.GeneratedQuery = map[string]any{"filter": map[string]any{"status": "paid"}}
		s.Fields.RefinementCount = 2
		s.SideData["hint"] = "recent"
		s.UpdatedAt = stamp.Add(1500 * time.Microsecond)

		require.NoError(t, store.Save(ctx, s), "Save should not return error")

		loaded, err := store.Load(ctx, sessionID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, s.ID, loaded.ID)
		assert.Equal(t, s.Stage, loaded.Stage)
		assert.Equal(t, s.History, loaded.History)
		assert.Equal(t, "orders", loaded.Fields.CollectionName)
		assert.Equal(t, 2, loaded.Fields.RefinementCount)
		assert.Equal(t, domain.DefaultMaxRefinements, loaded.Fields.MaxRefinements)
		assert.Equal(t, "recent", loaded.SideData["hint"])
		assert.True(t, loaded.Fields.Has(domain.FieldGeneratedQuery))
		assert.True(t, s.CreatedAt.Equal(loaded.CreatedAt), "created_at %v != %v", s.CreatedAt, loaded.CreatedAt)
		assert.True(t, s.UpdatedAt.Equal(loaded.UpdatedAt), "updated_at %v != %v", s.UpdatedAt, loaded.UpdatedAt)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, domain.NewSession(sessionID, stamp)))

		require.NoError(t, store.Delete(ctx, sessionID), "Delete should not return error")

		_, err := store.Load(ctx, sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound, "Load after Delete should return ErrSessionNotFound")

		assert.NoError(t, store.Delete(ctx, sessionID), "Deleting twice should be a no-op")
	})

	t.Run("List", func(t *testing.T) {
		id1 := sessionID + "-1"
		id2 := sessionID + "-2"
		require.NoError(t, store.Save(ctx, domain.NewSession(id1, stamp)))
		require.NoError(t, store.Save(ctx, domain.NewSession(id2, stamp)))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		sessions, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, sessions, id1)
		assert.Contains(t, sessions, id2)
	})

	t.Run("Backup", func(t *testing.T) {
		id := sessionID + "-backup"
		require.NoError(t, store.Save(ctx, domain.NewSession(id, stamp)))
		defer func() { _ = store.Delete(ctx, id) }()

		location, err := store.Backup(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, location)

		_, err = store.Load(ctx, id)
		assert.NoError(t, err, "Backup must not disturb live records")
	})

	cd, ok := store.(ConditionalDeleter)
	if !ok {
		return
	}

	t.Run("DeleteIfUnchanged", func(t *testing.T) {
		id := sessionID + "-cas"
		s := domain.NewSession(id, stamp)
		require.NoError(t, store.Save(ctx, s))

		removed, err := cd.DeleteIfUnchanged(ctx, id, stamp.Add(-time.Nanosecond))
		require.NoError(t, err)
		assert.False(t, removed, "stale timestamp must not delete")
		_, err = store.Load(ctx, id)
		require.NoError(t, err)

		removed, err = cd.DeleteIfUnchanged(ctx, id, stamp)
		require.NoError(t, err)
		assert.True(t, removed)
		_, err = store.Load(ctx, id)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		removed, err = cd.DeleteIfUnchanged(ctx, id, stamp)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}
