package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/taskd/internal/testutil"
)

func TestTenantRepoCreate(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewTenantRepo(db, RepoConfig{})
		ctx := context.Background()

		tenant, err := repo.Create(ctx, "acme")
		require.NoError(t, err)
		assert.NotEmpty(t, tenant.ID)
		assert.Equal(t, "acme", tenant.Name)
		assert.False(t, tenant.CreatedAt.IsZero())

		t.Run("duplicate name rejected", func(t *testing.T) {
			_, err := repo.Create(ctx, "acme")
			require.ErrorIs(t, err, ErrDuplicateName)
		})
	})
}

func TestTenantRepoGetByID(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewTenantRepo(db, RepoConfig{})
		ctx := context.Background()

		tenant, err := repo.Create(ctx, "acme")
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)
		assert.Equal(t, "acme", got.Name)

		t.Run("unknown id", func(t *testing.T) {
			_, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
			require.ErrorIs(t, err, ErrTenantNotFound)
		})
	})
}

func TestTenantRepoList(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		repo := NewTenantRepo(db, RepoConfig{})
		ctx := context.Background()

		for _, name := range []string{"acme", "globex", "initech"} {
			_, err := repo.Create(ctx, name)
			require.NoError(t, err)
		}

		all, err := repo.List(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		page, err := repo.List(ctx, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page, 2)

		rest, err := repo.List(ctx, 2, 2)
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})
}
