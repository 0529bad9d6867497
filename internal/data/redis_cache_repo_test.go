package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/taskd/internal/testutil"
)

func TestRedisCacheRepo(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	t.Run("set and get round trip", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "job:status:abc", []byte(`{"state": "completed"}`), time.Minute))

		got, err := repo.Get(ctx, "job:status:abc")
		require.NoError(t, err)
		assert.JSONEq(t, `{"state": "completed"}`, string(got))
	})

	t.Run("missing key yields nil without error", func(t *testing.T) {
		got, err := repo.Get(ctx, "job:status:never-written")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "job:status:gone", []byte(`{}`), time.Minute))

		deleted, err := repo.Delete(ctx, "job:status:gone")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = repo.Delete(ctx, "job:status:gone")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("ttl expires entries", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "job:status:brief", []byte(`{}`), 50*time.Millisecond))

		require.Eventually(t, func() bool {
			got, err := repo.Get(ctx, "job:status:brief")
			return err == nil && got == nil
		}, 2*time.Second, 25*time.Millisecond)
	})

	t.Run("empty key rejected", func(t *testing.T) {
		require.Error(t, repo.Set(ctx, "", []byte(`{}`), 0))
		_, err := repo.Get(ctx, "")
		require.Error(t, err)
	})

	t.Run("health", func(t *testing.T) {
		require.NoError(t, repo.Health(ctx))
	})
}
