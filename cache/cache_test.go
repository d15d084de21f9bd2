package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c, err := New(100, time.Minute, true)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "entity_def:person", map[string]string{"a": "b"}, 0))

	var out map[string]string
	ok, err := c.Get(context.Background(), "entity_def:person", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", out["a"])
}

func TestGetMissingReturnsFalse(t *testing.T) {
	c, err := New(100, time.Minute, true)
	require.NoError(t, err)

	var out string
	ok, err := c.Get(context.Background(), "nope", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredEntryNotReturned(t *testing.T) {
	c, err := New(100, time.Minute, true)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var out string
	ok, err := c.Get(context.Background(), "k", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, err := New(100, time.Millisecond, true)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
	time.Sleep(5 * time.Millisecond)

	var out string
	ok, err := c.Get(context.Background(), "k", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", out)
}

func TestDisabledCacheIsNoop(t *testing.T) {
	c, err := New(100, time.Minute, false)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
	var out string
	ok, err := c.Get(context.Background(), "k", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteByPrefixRemovesMatching(t *testing.T) {
	c, err := New(100, time.Minute, true)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "role:1", "x", 0))
	require.NoError(t, c.Set(ctx, "role:2", "y", 0))
	require.NoError(t, c.Set(ctx, "user_roles:1", "z", 0))

	n, err := c.DeleteByPrefix(ctx, "role:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var out string
	ok, _ := c.Get(ctx, "role:1", &out)
	assert.False(t, ok)
	ok, _ = c.Get(ctx, "user_roles:1", &out)
	assert.True(t, ok)
}

func TestDeleteRemovesEntry(t *testing.T) {
	c, err := New(100, time.Minute, true)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Delete(ctx, "k"))

	var out string
	ok, _ := c.Get(ctx, "k", &out)
	assert.False(t, ok)
}

func TestClearEmptiesLocalTier(t *testing.T) {
	c, err := New(100, time.Minute, true)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", "1", 0))
	require.NoError(t, c.Set(ctx, "b", "2", 0))
	c.Clear()

	var out string
	ok, _ := c.Get(ctx, "a", &out)
	assert.False(t, ok)
}
