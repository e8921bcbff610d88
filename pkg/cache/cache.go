package cache

import (
	"sync"
	"time"
)

// Item is a cached value with its expiry.
type Item[V any] struct {
	Value     V
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (item *Item[V]) expired(now time.Time) bool {
	return !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt)
}

// Cache is a thread-safe in-memory map with per-entry TTL. Expired entries
// are invisible to readers and swept in the background.
type Cache[V any] struct {
	mu              sync.RWMutex
	items           map[string]*Item[V]
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopCleanup     chan struct{}
	now             func() time.Time
}

// New creates a cache. A zero defaultTTL means entries never expire unless
// a TTL is given explicitly.
func New[V any](defaultTTL time.Duration) *Cache[V] {
	c := &Cache[V]{
		items:           make(map[string]*Item[V]),
		defaultTTL:      defaultTTL,
		cleanupInterval: defaultTTL / 2,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	if c.cleanupInterval <= 0 || c.cleanupInterval > time.Minute {
		c.cleanupInterval = time.Minute
	}

	go c.cleanup()

	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || item.expired(c.now()) {
		var zero V
		return zero, false
	}
	return item.Value, true
}

// Set stores value with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = c.newItem(value, ttl)
}

// SetIfAbsent stores value only when key is missing or expired, and reports
// whether it did.
func (c *Cache[V]) SetIfAbsent(key string, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists && !item.expired(c.now()) {
		return false
	}
	c.items[key] = c.newItem(value, ttl)
	return true
}

func (c *Cache[V]) newItem(value V, ttl time.Duration) *Item[V] {
	now := c.now()
	item := &Item[V]{Value: value, CreatedAt: now}
	if ttl > 0 {
		item.ExpiresAt = now.Add(ttl)
	}
	return item
}

// Delete reports whether a live entry was removed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	delete(c.items, key)
	return exists && !item.expired(c.now())
}

// Values returns a snapshot of all live values.
func (c *Cache[V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	values := make([]V, 0, len(c.items))
	for _, item := range c.items {
		if !item.expired(now) {
			values = append(values, item.Value)
		}
	}
	return values
}

// Len counts live entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, item := range c.items {
		if !item.expired(now) {
			n++
		}
	}
	return n
}

// Purge removes expired entries.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}
