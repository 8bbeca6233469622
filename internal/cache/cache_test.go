package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/riskledger/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))

	require.NoError(t, c.Delete(ctx, "k"))
	_, found, _ = c.Get(ctx, "k")
	assert.False(t, found)
}

func TestMemoryCache_Expiry(t *testing.T) {
	mc := clock.NewMock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryCache(mc)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "forever", []byte("2"), 0))

	mc.Advance(59 * time.Minute)
	_, found, _ := c.Get(ctx, "short")
	assert.True(t, found)

	mc.Advance(time.Minute)
	_, found, _ = c.Get(ctx, "short")
	assert.False(t, found)

	_, found, _ = c.Get(ctx, "forever")
	assert.True(t, found)
}

func TestMemoryCache_Sweep(t *testing.T) {
	mc := clock.NewMock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryCache(mc)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	mc.Advance(time.Minute)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'z'

	v, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient("not a url")
	assert.Error(t, err)
}
