package users

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-treatment-planner/internal/database"
)

func TestRepository(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db.SQL)

	first, err := repo.Resolve(ctx, "tg:100", "alice")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Nil(t, first.LastObjectID)

	t.Run("Resolve is stable", func(t *testing.T) {
		again, err := repo.Resolve(ctx, "tg:100", "")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, "alice", again.Username)
	})

	t.Run("Resolve rejects empty handle", func(t *testing.T) {
		_, err := repo.Resolve(ctx, "  ", "x")
		assert.Error(t, err)
	})

	t.Run("UpdateLastObject", func(t *testing.T) {
		require.NoError(t, repo.UpdateLastObject(ctx, first.ID, 77))
		got, err := repo.GetByID(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastObjectID)
		assert.Equal(t, int64(77), *got.LastObjectID)
	})

	t.Run("GetByID-NotFound", func(t *testing.T) {
		got, err := repo.GetByID(ctx, 9999)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
