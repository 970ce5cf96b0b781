package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerdesk/backend/internal/cache"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/logging"
)

type countingSource struct {
	calls    atomic.Int32
	products []domain.Product
	err      error
}

func (s *countingSource) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.calls.Add(1)
	return s.products, s.err
}

func sampleProducts() []domain.Product {
	return []domain.Product{
		{ID: "prd-1", Name: "Water", Price: decimal.NewFromInt(100), StockQty: 10},
		{ID: "prd-2", Name: "Oil", Price: decimal.NewFromInt(250), StockQty: 0},
	}
}

func TestSnapshotLookups(t *testing.T) {
	src := &countingSource{products: sampleProducts()}
	c := New(src, nil, time.Minute, logging.Discard())

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	p, ok := snap.ByName("Oil")
	require.True(t, ok)
	assert.Equal(t, "prd-2", p.ID)

	_, ok = snap.ByID("prd-404")
	assert.False(t, ok)

	resolved := snap.Resolve([]string{"prd-1", "prd-404"})
	assert.Len(t, resolved, 1)
}

func TestSnapshotIsReusedUntilTTL(t *testing.T) {
	src := &countingSource{products: sampleProducts()}
	c := New(src, nil, time.Minute, logging.Discard())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Snapshot(ctx)
	require.NoError(t, err)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())

	c.Invalidate(ctx)
	_, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestConcurrentLoadsCollapse(t *testing.T) {
	src := &countingSource{products: sampleProducts()}
	c := New(src, nil, time.Minute, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Snapshot(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.calls.Load(), int32(16))
	assert.GreaterOrEqual(t, src.calls.Load(), int32(1))
}

func TestSharedTierServesSecondProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	tier := cache.NewRedisCatalogCache(client)
	ctx := context.Background()

	first := &countingSource{products: sampleProducts()}
	_, err := New(first, tier, time.Minute, logging.Discard()).Snapshot(ctx)
	require.NoError(t, err)

	second := &countingSource{err: errors.New("store should not be hit")}
	snap, err := New(second, tier, time.Minute, logging.Discard()).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), second.calls.Load())
	assert.Len(t, snap.Products(), 2)
}

func TestSourceErrorPropagates(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	_, err := New(src, nil, time.Minute, logging.Discard()).Snapshot(context.Background())
	assert.EqualError(t, err, "db down")
}

// gatedSource blocks its first read until release is closed.
type gatedSource struct {
	mu       sync.Mutex
	calls    int
	products []domain.Product
	entered  chan struct{}
	release  chan struct{}
}

func (s *gatedSource) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	products := s.products
	s.mu.Unlock()
	if first {
		close(s.entered)
		<-s.release
	}
	return products, nil
}

func (s *gatedSource) set(products []domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = products
}

func TestLoadInFlightDuringInvalidateIsNotServed(t *testing.T) {
	src := &gatedSource{products: sampleProducts(), entered: make(chan struct{}), release: make(chan struct{})}
	c := New(src, nil, time.Minute, logging.Discard())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Snapshot(ctx)
		assert.NoError(t, err)
	}()
	<-src.entered

	restocked := sampleProducts()
	restocked[1].StockQty = 7
	src.set(restocked)
	c.Invalidate(ctx)

	close(src.release)
	<-done

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	p, ok := snap.ByID("prd-2")
	require.True(t, ok)
	assert.Equal(t, 7, p.StockQty)
}
