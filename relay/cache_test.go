package relay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheName(t *testing.T) {
	assert.Equal(t, "littlebook-20250101-10", CacheName("20250101", "10"))
}

func TestCachePutMatch(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCache(":memory:", CacheName("1", "a"), nil)
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Match(ctx, "/x.ts")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "/x.ts", Stored{Status: 200, Headers: map[string]string{"content-type": "text/css"}, Body: []byte("one")}))
	require.NoError(t, c.Put(ctx, "/x.ts", Stored{Status: 200, Body: []byte("two")}))

	s, ok, err := c.Match(ctx, "/x.ts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(s.Body))
	assert.Empty(t, s.Headers)

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestNewCacheNameDropsOldEntries(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cache.db")

	c, err := OpenCache(dsn, CacheName("1", "a"), nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "/x.ts", Stored{Status: 200, Body: []byte("old")}))
	require.NoError(t, c.Close())

	// same deployment reopens with its entries intact
	c, err = OpenCache(dsn, CacheName("1", "a"), nil)
	require.NoError(t, err)
	_, ok, err := c.Match(ctx, "/x.ts")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.Close())

	c, err = OpenCache(dsn, CacheName("2", "a"), nil)
	require.NoError(t, err)
	defer c.Close()
	_, ok, err = c.Match(ctx, "/x.ts")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "littlebook-2-a", c.Name())
}
