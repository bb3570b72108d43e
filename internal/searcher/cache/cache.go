// Package cache stores global search results in Redis. Entries are keyed by
// principal, normalized query, limit and the current index generation, so
// bumping the generation invalidates every cached result at once.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/global"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/redis"
)

const (
	keyPrefix     = "search:"
	generationKey = "search-generation"
)

// Store is the subset of the Redis client the cache uses.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	GetInt64(ctx context.Context, key string) (int64, error)
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	client  Store
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(client Store, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

func (c *QueryCache) get(ctx context.Context, key string) ([]global.Result, bool) {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var results []global.Result
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return results, true
}

func (c *QueryCache) set(ctx context.Context, key string, results []global.Result) {
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached results of q for principal, or runs
// computeFn once for all concurrent callers asking the same thing. The bool
// reports a cache hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	principal string,
	q query.Query,
	limit int,
	computeFn func() ([]global.Result, error),
) ([]global.Result, bool, error) {
	gen, err := c.client.GetInt64(ctx, generationKey)
	if err != nil {
		c.logger.Warn("cache generation unavailable, bypassing cache", "error", err)
		results, err := computeFn()
		return results, false, err
	}
	key := buildKey(principal, q, limit, gen)
	if results, ok := c.get(ctx, key); ok {
		c.hits.Add(1)
		c.metrics.CacheHit()
		return results, true, nil
	}
	c.misses.Add(1)
	c.metrics.CacheMiss()
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if results, ok := c.get(ctx, key); ok {
			return results, nil
		}
		results, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, results)
		return results, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]global.Result), false, nil
}

// Invalidate moves the cache to a new generation. Old entries are never read
// again and expire on their own.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	gen, err := c.client.Incr(ctx, generationKey)
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Debug("cache generation advanced", "generation", gen)
	return nil
}

// Flush deletes every cached result.
func (c *QueryCache) Flush(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("flushing cache: %w", err)
	}
	c.logger.Info("cache flushed", "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// buildKey treats a conjunction as a set of clauses, so clause order and
// repeats do not split cache entries.
func buildKey(principal string, q query.Query, limit int, gen int64) string {
	normalized := q.String()
	if and, ok := q.(query.And); ok {
		normalized = query.And{Clauses: and.Distinct()}.String()
	}
	raw := principal + "\x00" + normalized + "\x00limit=" + strconv.Itoa(limit) + "\x00gen=" + strconv.FormatInt(gen, 10)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
