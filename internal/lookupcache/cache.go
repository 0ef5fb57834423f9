// Package lookupcache caches successful API lookups in Redis so identical
// normalized queries across source records cost one external request. A
// singleflight group collapses concurrent lookups for the same query within
// the process. The cache is strictly an optimisation: any Redis failure
// degrades to a direct lookup.
package lookupcache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Falak-Parmar/Book-Finder/internal/books"
	pkgredis "github.com/Falak-Parmar/Book-Finder/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "lookup:"

// Lookup is the underlying fetch the cache fronts.
type Lookup func(ctx context.Context, query string) ([]books.Match, error)

// Cache is a read-through Redis cache for API search results. A nil *Cache is
// valid and always calls through.
type Cache struct {
	client *pkgredis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache with the given TTL. client may not be nil; callers that
// run without Redis should keep a nil *Cache instead.
func New(client *pkgredis.Client, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "lookup-cache"),
	}
}

// GetOrLookup returns the cached matches for query, or runs fn once (across
// concurrent callers) and caches its result. Only successful lookups are
// cached; errors and empty results always propagate from fn.
func (c *Cache) GetOrLookup(ctx context.Context, query string, fn Lookup) ([]books.Match, error) {
	if c == nil {
		return fn(ctx, query)
	}
	key := c.buildKey(query)
	if matches, ok := c.get(ctx, key); ok {
		c.hits.Add(1)
		return matches, nil
	}
	c.misses.Add(1)

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if matches, ok := c.get(ctx, key); ok {
			return matches, nil
		}
		matches, err := fn(ctx, query)
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, matches)
		return matches, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]books.Match), nil
}

// Stats returns hit and miss counts since startup.
func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) get(ctx context.Context, key string) ([]books.Match, bool) {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var matches []books.Match
	if err := json.Unmarshal([]byte(data), &matches); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return matches, true
}

func (c *Cache) set(ctx context.Context, key string, matches []books.Match) {
	data, err := json.Marshal(matches)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func (c *Cache) buildKey(query string) string {
	hash := sha256.Sum256([]byte(query))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
