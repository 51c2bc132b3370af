package credentials

import (
	"sync"
	"time"
)

// Cache is a bounded, short-TTL in-memory map. It backs decrypted credential
// lookups and the per-(provider, user) vendor client table; both must drop
// entries as soon as a user rotates a credential, hence Invalidate.
//
// When full, Set evicts the entry closest to expiry.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]cachedEntry[V]
	ttl        time.Duration
	maxEntries int
	done       chan struct{}
	closeOnce  sync.Once
}

type cachedEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewCache creates a cache with the given TTL and capacity (<= 0 means
// unbounded). Call Close to stop the background eviction goroutine.
func NewCache[K comparable, V any](ttl time.Duration, maxEntries int) *Cache[K, V] {
	c := &Cache[K, V]{
		entries:    make(map[K]cachedEntry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached value and true if a live entry exists.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value with the configured TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = cachedEntry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate drops key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateFunc drops every key for which match returns true.
func (c *Cache[K, V]) InvalidateFunc(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine. Safe to call more than once.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *Cache[K, V]) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache[K, V]) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache[K, V]) evictOldestLocked() {
	var (
		oldest    K
		oldestAt  time.Time
		haveFirst bool
	)
	for k, v := range c.entries {
		if !haveFirst || v.expiresAt.Before(oldestAt) {
			oldest, oldestAt, haveFirst = k, v.expiresAt, true
		}
	}
	if haveFirst {
		delete(c.entries, oldest)
	}
}
