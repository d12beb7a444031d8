package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/accessplane/internal/store"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 0))
	v, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, s.Delete(ctx, "k1"))
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.Set(ctx, "ttl-key", []byte("v"), 10*time.Millisecond))
	_, ok, err := s.Get(ctx, "ttl-key")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = s.Get(ctx, "ttl-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.Set(ctx, "session:user1:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "session:user1:b", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "session:user2:a", []byte("1"), 0))

	keys, err := s.Scan(ctx, "session:user1:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestMemoryStore_AtomicIncrWithExpiry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	n, err := s.AtomicIncrWithExpiry(ctx, "bucket:user1:minute", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.AtomicIncrWithExpiry(ctx, "bucket:user1:minute", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_AtomicIncrResetsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := s.AtomicIncrWithExpiry(ctx, "bucket:reset", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	n, err := s.AtomicIncrWithExpiry(ctx, "bucket:reset", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
