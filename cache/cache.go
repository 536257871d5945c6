// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache provides a bounded read-through cache whose misses are
// filled through a single shared fetch per key.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the value for a key on a cache miss.
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Stats holds cache counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// Cache is a capacity-bounded LRU with optional TTL. Concurrent misses for
// the same key share one fetch. Fetch errors are returned to every waiter
// and are never stored.
type Cache[K comparable, V any] struct {
	lru   *expirable.LRU[K, V]
	group singleflight.Group
	fetch FetchFunc[K, V]

	// gen changes on every invalidation; a fetch that started under an
	// older generation does not populate the cache.
	gen    atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache holding at most capacity entries (0 = unbounded).
// A ttl <= 0 disables expiry.
func New[K comparable, V any](capacity int, ttl time.Duration, fetch FetchFunc[K, V]) *Cache[K, V] {
	return &Cache[K, V]{
		lru:   expirable.NewLRU[K, V](capacity, nil, ttl),
		fetch: fetch,
	}
}

// Get returns the cached value for key, fetching it on a miss. The shared
// fetch is detached from the caller's cancellation, so one impatient
// caller cannot fail the others; the caller itself stops waiting when ctx
// is done.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprint(key), func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		gen := c.gen.Load()
		v, err := c.fetch(fetchCtx, key)
		if err != nil {
			return v, err
		}
		if c.gen.Load() == gen {
			c.lru.Add(key, v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(V)
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return v, nil
	}
}

// Set stores a value directly.
func (c *Cache[K, V]) Set(key K, v V) {
	c.lru.Add(key, v)
}

// Invalidate drops key so the next Get fetches it again.
func (c *Cache[K, V]) Invalidate(key K) {
	c.gen.Add(1)
	c.lru.Remove(key)
	c.group.Forget(fmt.Sprint(key))
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.gen.Add(1)
	c.lru.Purge()
}

// Len returns the number of cached entries, expired ones included until
// they are swept.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.lru.Len(),
	}
}
