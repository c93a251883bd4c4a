// Package cache holds an in-process LRU cache with per-entry expiry and a
// detector decorator that uses it to skip inference on repeated frames.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

type MemoryCache[V any] struct {
	items   map[string]*cacheItem[V]
	mutex   sync.Mutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger

	hits   int64
	misses int64
}

type cacheItem[V any] struct {
	value       V
	expiresAt   time.Time
	lastUsed    time.Time
	accessCount int64
}

type CacheStats struct {
	Items   int   `json:"items"`
	Expired int   `json:"expired"`
	MaxSize int   `json:"max_size"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

func NewMemoryCache[V any](maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache[V] {
	return &MemoryCache[V]{
		items:   make(map[string]*cacheItem[V]),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
	}
}

func (c *MemoryCache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	now := time.Now()
	c.items[key] = &cacheItem[V]{
		value:       value,
		expiresAt:   now.Add(c.ttl),
		lastUsed:    now,
		accessCount: 1,
	}
}

func (c *MemoryCache[V]) Get(key string) (V, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var zero V
	item, exists := c.items[key]
	if !exists {
		c.misses++
		return zero, ErrCacheMiss
	}

	now := time.Now()
	if now.After(item.expiresAt) {
		delete(c.items, key)
		c.misses++
		return zero, ErrCacheMiss
	}

	item.lastUsed = now
	item.accessCount++
	c.hits++
	return item.value, nil
}

func (c *MemoryCache[V]) Delete(key string) {
	c.mutex.Lock()
	delete(c.items, key)
	c.mutex.Unlock()
}

func (c *MemoryCache[V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.items)
}

func (c *MemoryCache[V]) GetStats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	expired := 0
	for _, item := range c.items {
		if now.After(item.expiresAt) {
			expired++
		}
	}

	return CacheStats{
		Items:   len(c.items),
		Expired: expired,
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// Run removes expired entries every interval until ctx is done.
func (c *MemoryCache[V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.removeExpired(); removed > 0 {
				c.logger.Debug("Expired cache entries removed", zap.Int("count", removed))
			}
		}
	}
}

func (c *MemoryCache[V]) removeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// evictLRU drops the least recently used entry. Callers hold the mutex.
func (c *MemoryCache[V]) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.lastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}
