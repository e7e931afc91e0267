// Package cache is a small expiring in-memory map.
package cache

import (
	"sync"
	"time"
)

const (
	// NoExpiration keeps an item until it is deleted.
	NoExpiration time.Duration = -1
	// DefaultExpiration uses the duration given to New.
	DefaultExpiration time.Duration = 0
)

type item[V any] struct {
	value      V
	expiration int64
}

func (it item[V]) expired(now int64) bool {
	return it.expiration > 0 && now > it.expiration
}

// C maps string keys to values of type V. It is safe for concurrent use.
type C[V any] struct {
	defaultExpiration time.Duration
	maxItems          int
	items             map[string]item[V]
	mu                sync.RWMutex
}

// New returns a cache whose items expire after defaultExpiration. A value
// below one means items never expire by default. maxItems bounds the size
// of the cache; when full, expired items are dropped first and then an
// arbitrary one. Zero means unbounded.
func New[V any](defaultExpiration time.Duration, maxItems int) *C[V] {
	if defaultExpiration == 0 {
		defaultExpiration = NoExpiration
	}
	return &C[V]{
		defaultExpiration: defaultExpiration,
		maxItems:          maxItems,
		items:             make(map[string]item[V]),
	}
}

func (c *C[V]) Set(k string, v V, d time.Duration) {
	if d == DefaultExpiration {
		d = c.defaultExpiration
	}
	var e int64
	if d > 0 {
		e = time.Now().Add(d).UnixNano()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[k]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictLocked()
	}
	c.items[k] = item[V]{value: v, expiration: e}
}

func (c *C[V]) Get(k string) (V, bool) {
	c.mu.RLock()
	it, found := c.items[k]
	c.mu.RUnlock()
	if !found || it.expired(time.Now().UnixNano()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *C[V]) Delete(k string) {
	c.mu.Lock()
	delete(c.items, k)
	c.mu.Unlock()
}

func (c *C[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// DeleteExpired drops all expired items.
func (c *C[V]) DeleteExpired() {
	now := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

func (c *C[V]) evictLocked() {
	now := time.Now().UnixNano()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
	if len(c.items) < c.maxItems {
		return
	}
	for k := range c.items {
		delete(c.items, k)
		return
	}
}
