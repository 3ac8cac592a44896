package entitlement

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a weak, time-bounded copy of entitlement snapshots. Safe to
// discard at any time; losing an entry only costs a store round-trip.
type Cache interface {
	Get(ctx context.Context, userID string) (*Snapshot, bool)
	Set(ctx context.Context, userID string, snap *Snapshot)
	Invalidate(ctx context.Context, userID string)
}

type memoryEntry struct {
	snap      *Snapshot
	expiresAt time.Time
}

// MemoryCache is the default per-process cache with a short TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) Get(ctx context.Context, userID string) (*Snapshot, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.snap, true
}

func (c *MemoryCache) Set(ctx context.Context, userID string, snap *Snapshot) {
	c.mu.Lock()
	c.entries[userID] = memoryEntry{snap: snap, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(ctx context.Context, userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// RedisCache shares snapshots across instances. Errors degrade to cache
// misses; the store remains the source of truth.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func redisKey(userID string) string {
	return fmt.Sprintf("entitlement:%s", userID)
}

func (c *RedisCache) Get(ctx context.Context, userID string) (*Snapshot, bool) {
	var snap Snapshot
	err := c.rdb.Get(ctx, redisKey(userID)).Scan(&snap)
	if err != nil {
		if err != redis.Nil {
			log.Printf("entitlement: redis get error: %v", err)
		}
		return nil, false
	}
	return &snap, true
}

func (c *RedisCache) Set(ctx context.Context, userID string, snap *Snapshot) {
	if err := c.rdb.Set(ctx, redisKey(userID), snap, c.ttl).Err(); err != nil {
		log.Printf("entitlement: redis set error: %v", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) {
	if err := c.rdb.Del(ctx, redisKey(userID)).Err(); err != nil {
		log.Printf("entitlement: redis del error: %v", err)
	}
}
