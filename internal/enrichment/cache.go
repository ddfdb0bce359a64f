// internal/enrichment/cache.go
package enrichment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hubstream/internal/metrics"
)

// ErrNotFound is returned by a fetcher when the source has no data for a key.
// The negative result is cached like a value.
var ErrNotFound = errors.New("not found")

// Fetcher loads the current value for a key from an enrichment source
type Fetcher[V any] func(ctx context.Context, key string) (V, error)

// CacheConfig configures a TTL cache
type CacheConfig struct {
	Name           string
	TTL            time.Duration
	FetchTimeout   time.Duration
	FailureBackoff time.Duration
	Now            func() time.Time
}

// CacheStats summarizes cache usage for health reporting
type CacheStats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Failures int64   `json:"failures"`
	Entries  int     `json:"entries"`
	HitRate  float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value     V
	negative  bool
	fetchedAt time.Time
}

// Cache is a TTL-bounded lookup with at most one refresh in flight per key.
// Get never blocks on the source: a miss schedules a background refresh.
type Cache[V any] struct {
	cfg     CacheConfig
	fetch   Fetcher[V]
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	entries  map[string]entry[V]
	failedAt map[string]time.Time

	group singleflight.Group
	wg    sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// NewCache creates a cache in front of fetch. m may be nil.
func NewCache[V any](cfg CacheConfig, fetch Fetcher[V], logger *zap.Logger, m *metrics.Metrics) *Cache[V] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[V]{
		cfg:      cfg,
		fetch:    fetch,
		logger:   logger.With(zap.String("component", "cache"), zap.String("cache", cfg.Name)),
		metrics:  m,
		entries:  make(map[string]entry[V]),
		failedAt: make(map[string]time.Time),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Get returns the cached value for key if it is within its TTL.
// On a miss it starts an asynchronous refresh and returns immediately.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.cfg.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Sub(e.fetchedAt) <= c.cfg.TTL {
		c.hits.Add(1)
		c.observe("hit")
		if e.negative {
			var zero V
			return zero, false
		}
		return e.value, true
	}

	c.misses.Add(1)
	c.observe("miss")
	c.refreshAsync(key, now)

	var zero V
	return zero, false
}

// Lookup returns the cached value or fetches it, waiting for the fetch.
// Concurrent callers for the same key share one fetch.
func (c *Cache[V]) Lookup(ctx context.Context, key string) (V, error) {
	if v, ok := c.peek(key); ok {
		return v, nil
	}
	return c.Refresh(ctx, key)
}

// Refresh fetches key from the source and stores the result.
// A failed fetch leaves any existing entry untouched.
func (c *Cache[V]) Refresh(ctx context.Context, key string) (V, error) {
	result := c.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(c.baseCtx, c.cfg.FetchTimeout)
		defer cancel()

		value, err := c.fetch(fetchCtx, key)
		now := c.cfg.Now()

		c.mu.Lock()
		defer c.mu.Unlock()

		switch {
		case errors.Is(err, ErrNotFound):
			c.entries[key] = entry[V]{negative: true, fetchedAt: now}
			delete(c.failedAt, key)
		case err != nil:
			c.failedAt[key] = now
			return nil, err
		default:
			c.entries[key] = entry[V]{value: value, fetchedAt: now}
			delete(c.failedAt, key)
		}
		return value, err
	})

	select {
	case res := <-result:
		if res.Err != nil {
			var zero V
			if !errors.Is(res.Err, ErrNotFound) {
				c.failures.Add(1)
				c.observe("error")
			}
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Stats returns cache usage counters
func (c *Cache[V]) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := CacheStats{
		Hits:     hits,
		Misses:   misses,
		Failures: c.failures.Load(),
		Entries:  entries,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// Wait blocks until every background refresh has finished
func (c *Cache[V]) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight refreshes and waits for them
func (c *Cache[V]) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache[V]) peek(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.negative || c.cfg.Now().Sub(e.fetchedAt) > c.cfg.TTL {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) refreshAsync(key string, now time.Time) {
	c.mu.RLock()
	failedAt, failed := c.failedAt[key]
	c.mu.RUnlock()

	if failed && now.Sub(failedAt) < c.cfg.FailureBackoff {
		return
	}
	if c.baseCtx.Err() != nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Refresh(c.baseCtx, key); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("Enrichment refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (c *Cache[V]) observe(result string) {
	if c.metrics != nil {
		c.metrics.EnrichmentLookups.WithLabelValues(c.cfg.Name, result).Inc()
	}
}
