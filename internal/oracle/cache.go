package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache holds recently fetched prices for a short, fixed TTL.
type Cache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool)
	Set(ctx context.Context, key string, price decimal.Decimal)
	Clear(ctx context.Context)
	Keys(ctx context.Context) []string
	TTL() time.Duration
	MaxSize() int
}

// --- In-process ---

type cacheEntry struct {
	price   decimal.Decimal
	expires time.Time
}

// MemoryCache is an expiring map guarded by a mutex. When full, expired
// entries are purged first and then the entry closest to expiry is evicted.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewMemoryCache creates an in-process price cache.
func NewMemoryCache(ttl time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return decimal.Decimal{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return decimal.Decimal{}, false
	}
	return e.price, true
}

func (c *MemoryCache) Set(_ context.Context, key string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{price: price, expires: c.now().Add(c.ttl)}
}

func (c *MemoryCache) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	if len(c.entries) >= c.maxSize && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *MemoryCache) Clear(context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *MemoryCache) Keys(context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if now.Before(e.expires) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *MemoryCache) TTL() time.Duration { return c.ttl }
func (c *MemoryCache) MaxSize() int       { return c.maxSize }

// --- Redis ---

// RedisCache shares prices across engine replicas. Expiry is delegated to
// Redis; values are stored as decimal strings.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed price cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "paper:price:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (decimal.Decimal, bool) {
	s, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if err != nil {
		return decimal.Decimal{}, false
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return p, true
}

func (c *RedisCache) Set(ctx context.Context, key string, price decimal.Decimal) {
	c.rdb.Set(ctx, c.prefix+key, price.String(), c.ttl)
}

func (c *RedisCache) Clear(ctx context.Context) {
	keys := c.scan(ctx)
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	c.rdb.Del(ctx, full...)
}

func (c *RedisCache) Keys(ctx context.Context) []string {
	return c.scan(ctx)
}

func (c *RedisCache) scan(ctx context.Context) []string {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, fmt.Sprintf("%s*", c.prefix), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), c.prefix))
	}
	sort.Strings(keys)
	return keys
}

func (c *RedisCache) TTL() time.Duration { return c.ttl }

// MaxSize is unbounded for Redis; memory policy is the server's concern.
func (c *RedisCache) MaxSize() int { return 0 }
