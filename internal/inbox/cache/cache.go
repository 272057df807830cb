// Package cache fronts the store with a read-through cache of individual requests.
// Concurrent misses for one key share a single store load, and a load that races an
// invalidation never repopulates the entry it was invalidated for.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"inboxrelay/internal/inbox/metrics"
	"inboxrelay/internal/inbox/models"
)

// Loader reads a request from the system of record. A missing request must be reported
// as sentinel.ErrNotFound.
type Loader interface {
	FindRequest(ctx context.Context, key models.Key) (models.ApprovalRequest, error)
}

// Cache is a loading cache over a Backend.
type Cache struct {
	backend Backend
	loader  Loader
	logger  *slog.Logger
	metrics *metrics.Metrics

	group singleflight.Group
	// bumped by every write or invalidation; a load only populates if it saw no bump
	generation atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New constructs a cache. backend and loader are required.
func New(backend Backend, loader Loader, opts ...Option) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if loader == nil {
		return nil, errors.New("loader is required")
	}
	c := &Cache{
		backend: backend,
		loader:  loader,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type loadResult struct {
	req     models.ApprovalRequest
	elapsed time.Duration
}

// Get returns the cached request, loading it on a miss. Load errors, including
// not-found, are returned and never cached. A caller whose ctx ends stops waiting while
// the shared load continues for the others.
func (c *Cache) Get(ctx context.Context, key models.Key) (models.ApprovalRequest, error) {
	req, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "cache backend read failed, loading from store",
			"key", key.String(), "error", err)
	}
	if ok {
		c.metrics.IncCacheHit()
		return req, nil
	}

	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return models.ApprovalRequest{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.ApprovalRequest{}, res.Err
		}
		lr := res.Val.(loadResult)
		c.metrics.ObserveCacheMiss(lr.elapsed)
		return lr.req, nil
	}
}

func (c *Cache) load(ctx context.Context, key models.Key) (loadResult, error) {
	gen := c.generation.Load()
	start := time.Now()
	req, err := c.loader.FindRequest(ctx, key)
	elapsed := time.Since(start)
	if err != nil {
		return loadResult{}, err
	}
	if c.generation.Load() == gen {
		if err := c.backend.Set(ctx, req); err != nil {
			c.logger.WarnContext(ctx, "cache populate failed", "key", key.String(), "error", err)
		}
	}
	return loadResult{req: req, elapsed: elapsed}, nil
}

// Put writes a fresh value through to the backend.
func (c *Cache) Put(ctx context.Context, req models.ApprovalRequest) error {
	c.generation.Add(1)
	return c.backend.Set(ctx, req)
}

// Invalidate removes a key so the next Get reloads it from the store.
func (c *Cache) Invalidate(ctx context.Context, key models.Key) error {
	c.generation.Add(1)
	c.group.Forget(key.String())
	c.metrics.IncCacheInvalidations()
	return c.backend.Delete(ctx, key)
}
