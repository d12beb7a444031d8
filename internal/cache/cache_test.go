package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/accessplane/internal/cache"
	"github.com/gatekeep/accessplane/internal/store"
)

func TestFingerprint_StableUnderKeyReordering(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}

	fp1 := cache.Fingerprint("search_vector", "", a)
	fp2 := cache.Fingerprint("search_vector", "", b)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprint_DiffersByTool(t *testing.T) {
	args := map[string]any{"q": "test"}
	fp1 := cache.Fingerprint("search_web", "", args)
	fp2 := cache.Fingerprint("search_vector", "", args)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprint_DiffersByPrincipalScope(t *testing.T) {
	args := map[string]any{"q": "test"}
	fp1 := cache.Fingerprint("search_vector", "user-1", args)
	fp2 := cache.Fingerprint("search_vector", "user-2", args)
	assert.NotEqual(t, fp1, fp2)
}

func TestCache_GetOrCompute_MissThenHit(t *testing.T) {
	ctx := context.Background()
	c := cache.New(store.NewMemoryStore(), time.Minute, nil)

	var calls int32
	compute := func(_ context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("result"), nil
	}

	fp := cache.Fingerprint("search_web", "", map[string]any{"q": "x"})

	data, hit, err := c.GetOrCompute(ctx, "search_web", fp, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "result", string(data))

	data, hit, err = c.GetOrCompute(ctx, "search_web", fp, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "result", string(data))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_GetOrCompute_SingleFlightUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	c := cache.New(store.NewMemoryStore(), time.Minute, nil)

	var calls int32
	compute := func(_ context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("result"), nil
	}

	fp := cache.Fingerprint("search_web", "", map[string]any{"q": "concurrent"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(ctx, "search_web", fp, compute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_PerToolTTLOverride(t *testing.T) {
	kv := store.NewMemoryStore()
	c := cache.New(kv, time.Hour, map[string]time.Duration{"fast_tool": 10 * time.Millisecond})

	require.NoError(t, c.Set(context.Background(), "fast_tool", "result_cache:k1", []byte("v")))

	_, ok, err := c.Get(context.Background(), "result_cache:k1")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = c.Get(context.Background(), "result_cache:k1")
	require.NoError(t, err)
	assert.False(t, ok)
}
