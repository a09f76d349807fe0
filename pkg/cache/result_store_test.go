package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store ResultStore) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "MATCH (n) RETURN n")
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte(`{"nodes":[],"links":[]}`)
	require.NoError(t, store.Set(ctx, "MATCH (n) RETURN n", payload))

	got, ok, err := store.Get(ctx, "MATCH (n) RETURN n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	require.NoError(t, store.Invalidate(ctx))
	_, ok, err = store.Get(ctx, "MATCH (n) RETURN n")
	require.NoError(t, err)
	assert.False(t, ok, "invalidate must drop cached results")
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	defer store.Close()
	exerciseStore(t, store)
}

func TestMemoryStore_CopiesValue(t *testing.T) {
	store := NewMemoryStore(10, 0)
	buf := []byte("abc")
	require.NoError(t, store.Set(context.Background(), "q", buf))
	buf[0] = 'x'

	got, ok, err := store.Get(context.Background(), "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

// TestRedisStore runs against GQLITE_TEST_REDIS_ADDR when set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GQLITE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GQLITE_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, KeyPrefix: "gqlite-test-" + uuid.NewString()})
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := NewRedisStore(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
