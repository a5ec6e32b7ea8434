// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lrucache is a bounded least-recently-used map with hit and
// miss accounting, built on hashicorp/golang-lru. The room server uses
// it for materialized state maps, decoded events, auth chains, and the
// short ID interner: values that are immutable once computed and cheap
// to recompute from SQLite on a miss.
package lrucache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache holds at most the capacity it was created with. The zero value
// is not usable; call New. A Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	// entries is nil when caching is disabled.
	entries *lru.Cache[K, V]

	hits, misses atomic.Uint64
}

// New returns a cache holding up to capacity entries. A capacity of
// zero or less disables caching: Add is a no-op and Get always misses.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	c := &Cache[K, V]{}
	if capacity > 0 {
		// lru.New only fails for a non-positive size.
		c.entries, _ = lru.New[K, V](capacity)
	}
	return c
}

// Get returns the cached value for key and marks it recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if c.entries != nil {
		if value, ok := c.entries.Get(key); ok {
			c.hits.Add(1)
			return value, true
		}
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Add inserts or replaces key, evicting the least recently used entry
// when the cache is full.
func (c *Cache[K, V]) Add(key K, value V) {
	if c.entries == nil {
		return
	}
	c.entries.Add(key, value)
}

// Remove drops key if present.
func (c *Cache[K, V]) Remove(key K) {
	if c.entries != nil {
		c.entries.Remove(key)
	}
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

// Stats returns the hit and miss counts since creation.
func (c *Cache[K, V]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
