package data

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/testutil"
)

func TestRedisCacheRepo_SetGetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)

	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		key := "result:hotel:1"
		value := []byte(`{"name":"hotel-a"}`)
		ttl := 5 * time.Minute

		require.NoError(t, repo.Set(ctx, key, value, ttl))

		got, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, got)

		actualTTL := client.TTL(ctx, key).Val()
		assert.True(t, actualTTL > 0 && actualTTL <= ttl)
	})

	t.Run("get missing key", func(t *testing.T) {
		got, err := repo.Get(ctx, "result:missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete", func(t *testing.T) {
		key := "result:hotel:2"
		require.NoError(t, repo.Set(ctx, key, []byte("x"), time.Minute))

		deleted, err := repo.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = repo.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("zero ttl persists", func(t *testing.T) {
		key := "result:persist"
		require.NoError(t, repo.Set(ctx, key, []byte("x"), 0))
		assert.Equal(t, time.Duration(-1), client.TTL(ctx, key).Val())
	})

	t.Run("health", func(t *testing.T) {
		require.NoError(t, repo.Health(ctx))
	})
}

func TestRedisCacheRepo_Clear(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)

	repo := NewRedisCacheRepo(client)
	ctx := context.Background()

	for i := range 25 {
		require.NoError(t, repo.Set(ctx, fmt.Sprintf("result:clear:%d", i), []byte("v"), time.Minute))
	}
	require.NoError(t, repo.Set(ctx, "keep:me", []byte("v"), time.Minute))

	n, err := repo.Clear(ctx, "result:clear:")
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	kept, err := repo.Get(ctx, "keep:me")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	_, err = repo.Clear(ctx, "")
	require.Error(t, err)
}
