// Package cache implements a read-through cache in front of domain reads,
// grounded on the pack's Redis client setup (redis.ParseURL + Ping on
// connect). Used by the HTTP introspection surface so repeated
// describe-domain requests don't all hit the store directly.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oldpatricka/epu/internal/domain"
)

// NewClient parses redisURL and verifies connectivity, mirroring the
// pack's NewRedisClient helper.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// DomainReader is the subset of the store needed for a read-through
// cache miss — satisfied by internal/epum.Store.
type DomainReader interface {
	GetDomain(owner, domainID string) (*domain.Domain, error)
}

// DomainCache wraps a DomainReader with a Redis-backed read-through
// cache for GetDomain lookups, used by the HTTP introspection handlers
// so a busy dashboard polling /domains/{owner}/{id} doesn't load the
// store on every request.
type DomainCache struct {
	redis *redis.Client
	store DomainReader
	ttl   time.Duration
}

// NewDomainCache builds a DomainCache over store, caching entries for ttl.
func NewDomainCache(redis *redis.Client, store DomainReader, ttl time.Duration) *DomainCache {
	return &DomainCache{redis: redis, store: store, ttl: ttl}
}

func domainCacheKey(owner, domainID string) string {
	return "epu:domain:" + owner + ":" + domainID
}

// GetDomain returns the domain for (owner, domainID), serving from Redis
// when present and falling through to the store (and populating the
// cache) on a miss. A Redis error degrades to a direct store read rather
// than failing the caller — this cache is a latency optimization, not a
// source of truth.
func (c *DomainCache) GetDomain(ctx context.Context, owner, domainID string) (*domain.Domain, error) {
	key := domainCacheKey(owner, domainID)

	if raw, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var dom domain.Domain
		if jsonErr := json.Unmarshal(raw, &dom); jsonErr == nil {
			return &dom, nil
		}
	}

	dom, err := c.store.GetDomain(owner, domainID)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(dom); err == nil {
		c.redis.Set(ctx, key, raw, c.ttl)
	}
	return dom, nil
}

// Invalidate drops a cached domain entry, used after any reactor call
// that mutates (owner, domainID) so stale data never outlives its TTL
// unnecessarily.
func (c *DomainCache) Invalidate(ctx context.Context, owner, domainID string) error {
	return c.redis.Del(ctx, domainCacheKey(owner, domainID)).Err()
}
