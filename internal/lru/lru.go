// Package lru wraps hashicorp/golang-lru with an eviction-callback hook,
// used wherever the replication engine keeps a bounded set of live
// in-memory objects backed by a larger on-disk population (spec §4:
// CapDict's cache of live instances, DataShard's per-shard object cache).
// hashicorp/golang-lru is the pack's own LRU of choice (see
// hashicorp-nomad, and the broader manifest pack where it recurs as the
// default bounded-cache dependency) and is kept as a thin typed wrapper
// rather than reimplemented, matching torua's habit of wrapping a
// standard component instead of inlining it ad hoc.
package lru

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EvictFunc is invoked, outside of any internal lock, whenever a key is
// evicted to make room for a new one. It is not invoked for explicit
// Remove or Purge calls.
type EvictFunc[K comparable, V any] func(key K, value V)

// Cache is a fixed-capacity LRU keyed by K storing values V, with an
// optional eviction callback.
type Cache[K comparable, V any] struct {
	inner  *lru.Cache[K, V]
	onEvict EvictFunc[K, V]
}

// New creates a Cache holding at most size entries. size must be > 0.
func New[K comparable, V any](size int, onEvict EvictFunc[K, V]) (*Cache[K, V], error) {
	c := &Cache[K, V]{onEvict: onEvict}
	inner, err := lru.NewWithEvict(size, c.handleEvict)
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *Cache[K, V]) handleEvict(key K, value V) {
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

// Get returns the value for key and marks it most-recently-used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.inner.Get(key)
}

// Add inserts or updates key, evicting the least-recently-used entry if
// the cache is at capacity. Returns true if an existing entry was
// evicted as a result.
func (c *Cache[K, V]) Add(key K, value V) bool {
	return c.inner.Add(key, value)
}

// Remove deletes key without invoking the eviction callback.
func (c *Cache[K, V]) Remove(key K) {
	c.inner.Remove(key)
}

// Contains reports whether key is present without affecting recency.
func (c *Cache[K, V]) Contains(key K) bool {
	return c.inner.Contains(key)
}

// Len reports the number of entries currently cached.
func (c *Cache[K, V]) Len() int {
	return c.inner.Len()
}

// Purge empties the cache without invoking the eviction callback.
func (c *Cache[K, V]) Purge() {
	c.inner.Purge()
}

// Keys returns a snapshot of cached keys in least-to-most-recently-used
// order.
func (c *Cache[K, V]) Keys() []K {
	return c.inner.Keys()
}
