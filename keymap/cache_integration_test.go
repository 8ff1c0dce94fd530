//go:build integration

package keymap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests require a reachable Redis instance (KEYMAP_REDIS_URL or the
// redis://localhost:6379/0 default) and only run with `-tags integration`.

func TestCacheEncodeDecodeRoundTrip(t *testing.T) {
	km, err := Open(filepath.Join(t.TempDir(), "keymap.db"))
	require.NoError(t, err)
	defer km.Close()

	cache, err := NewCache(context.Background(), CacheConfig{}, km)
	require.NoError(t, err)
	defer cache.Close()

	id, err := cache.Encode("datasets/gov/example/Org", []string{"acme"}, nil)
	require.NoError(t, err)

	naturalKey, err := cache.Decode("datasets/gov/example/Org", id)
	require.NoError(t, err)
	require.Equal(t, []string{"acme"}, naturalKey)
}

func TestCacheNamespaceLock(t *testing.T) {
	km, err := Open(filepath.Join(t.TempDir(), "keymap.db"))
	require.NoError(t, err)
	defer km.Close()

	cache, err := NewCache(context.Background(), CacheConfig{}, km)
	require.NoError(t, err)
	defer cache.Close()

	unlock, err := cache.Lock("datasets/gov/example/Org")
	require.NoError(t, err)

	_, err = cache.Lock("datasets/gov/example/Org")
	require.Error(t, err, "a held namespace lock rejects a concurrent acquire")

	unlock()

	unlock2, err := cache.Lock("datasets/gov/example/Org")
	require.NoError(t, err)
	unlock2()
}

func TestCounterIncrAndReset(t *testing.T) {
	km, err := Open(filepath.Join(t.TempDir(), "keymap.db"))
	require.NoError(t, err)
	defer km.Close()

	cache, err := NewCache(context.Background(), CacheConfig{}, km)
	require.NoError(t, err)
	defer cache.Close()

	counter := NewCounter(cache, "test-run")
	require.NoError(t, counter.Reset())

	n, err := counter.Incr()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	v, err := counter.Value()
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}
