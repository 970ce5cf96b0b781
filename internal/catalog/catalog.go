// Package catalog keeps a read-mostly product snapshot for lookups by id or
// name. Readers never take a lock; refreshes swap the snapshot atomically.
//
// Snapshot data can be stale. Anything that moves stock re-reads products
// inside its own unit of work.
package catalog

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"ledgerdesk/backend/internal/cache"
	"ledgerdesk/backend/internal/domain"
)

type Source interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type Snapshot struct {
	byID     map[string]domain.Product
	byName   map[string]domain.Product
	products []domain.Product
	loadedAt time.Time
	gen      uint64
}

func newSnapshot(products []domain.Product, at time.Time, gen uint64) *Snapshot {
	s := &Snapshot{
		byID:     make(map[string]domain.Product, len(products)),
		byName:   make(map[string]domain.Product, len(products)),
		products: products,
		loadedAt: at,
		gen:      gen,
	}
	for _, p := range products {
		s.byID[p.ID] = p
		if _, dup := s.byName[p.Name]; !dup {
			s.byName[p.Name] = p
		}
	}
	return s
}

func (s *Snapshot) ByID(id string) (domain.Product, bool) {
	p, ok := s.byID[id]
	return p, ok
}

func (s *Snapshot) ByName(name string) (domain.Product, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Products returns the snapshot in source order. Callers must not modify it.
func (s *Snapshot) Products() []domain.Product {
	return s.products
}

// Resolve picks the requested ids out of the snapshot. Unknown ids are left out.
func (s *Snapshot) Resolve(ids []string) map[string]domain.Product {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.byID[id]; ok {
			out[id] = p
		}
	}
	return out
}

type Catalog struct {
	src   Source
	tier  cache.CatalogCache
	ttl   time.Duration
	log   logrus.FieldLogger
	now   func() time.Time
	snap  atomic.Pointer[Snapshot]
	// gen is bumped by Invalidate; snapshots from an older generation are
	// never served.
	gen   atomic.Uint64
	group singleflight.Group
}

func New(src Source, tier cache.CatalogCache, ttl time.Duration, log logrus.FieldLogger) *Catalog {
	if tier == nil {
		tier = cache.NoopCatalogCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Catalog{src: src, tier: tier, ttl: ttl, log: log, now: time.Now}
}

// Snapshot returns the current snapshot, loading a fresh one when it is
// missing, older than the TTL or from before the last Invalidate. Concurrent
// loads of the same generation collapse into one.
func (c *Catalog) Snapshot(ctx context.Context) (*Snapshot, error) {
	gen := c.gen.Load()
	if snap := c.snap.Load(); snap != nil && snap.gen == gen && c.now().Sub(snap.loadedAt) < c.ttl {
		return snap, nil
	}
	v, err, _ := c.group.Do("load:"+strconv.FormatUint(gen, 10), func() (any, error) {
		return c.load(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *Catalog) load(ctx context.Context, gen uint64) (*Snapshot, error) {
	products, ok, err := c.tier.GetProducts(ctx)
	if err != nil {
		c.log.WithError(err).Warn("catalog cache read failed, falling back to store")
	}
	if !ok || err != nil {
		products, err = c.src.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.tier.SetProducts(ctx, products, c.ttl); err != nil {
			c.log.WithError(err).Warn("catalog cache write failed")
		}
		if c.gen.Load() != gen {
			// an invalidation ran while we read; do not leave our copy behind
			if err := c.tier.Invalidate(ctx); err != nil {
				c.log.WithError(err).Warn("catalog cache invalidate failed")
			}
		}
	}
	snap := newSnapshot(products, c.now(), gen)
	if c.gen.Load() == gen {
		c.snap.Store(snap)
	}
	return snap, nil
}

// Invalidate drops both tiers. Called after anything that changes products
// or stock.
func (c *Catalog) Invalidate(ctx context.Context) {
	c.gen.Add(1)
	c.snap.Store(nil)
	if err := c.tier.Invalidate(ctx); err != nil {
		c.log.WithError(err).Warn("catalog cache invalidate failed")
	}
}
