package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerdesk/backend/internal/domain"
)

func newTestCache(t *testing.T) (*RedisCatalogCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCatalogCache(client), mr
}

func TestRedisCatalogCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.GetProducts(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	in := []domain.Product{{ID: "prd-1", Name: "Water", Price: decimal.RequireFromString("12.50"), StockQty: 4}}
	require.NoError(t, c.SetProducts(ctx, in, time.Minute))

	out, ok, err := c.GetProducts(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.True(t, out[0].Price.Equal(in[0].Price))
	assert.Equal(t, 4, out[0].StockQty)
}

func TestRedisCatalogCacheExpiresAndInvalidates(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetProducts(ctx, []domain.Product{{ID: "prd-1"}}, time.Second))
	mr.FastForward(2 * time.Second)
	_, ok, err := c.GetProducts(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetProducts(ctx, []domain.Product{{ID: "prd-1"}}, time.Minute))
	require.NoError(t, c.Invalidate(ctx))
	_, ok, err = c.GetProducts(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
