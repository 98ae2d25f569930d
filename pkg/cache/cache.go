// Package cache is a keyed cached-with-fallback utility: each key holds a
// value and the time it was fetched. Fresh values are served directly,
// stale values are served while a background refresh runs, and a failed
// refresh keeps the stale value in place.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chatsync/pkg/async"
	"chatsync/pkg/timeutil"
)

type Fetcher[K comparable, V any] func(ctx context.Context, key K) (V, error)

type Options[K comparable, V any] struct {
	// TTL is how long a fetched value counts as fresh. Zero means every
	// read revalidates.
	TTL time.Duration
	Now func() time.Time
	// OnUpdate runs after every successful fetch, on the fetching goroutine.
	OnUpdate func(key K, v V)
	// OnError runs after every failed fetch.
	OnError func(key K, err error)
	// Scope runs background refreshes; nil uses a private background scope.
	Scope *async.Scope
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	fetch   Fetcher[K, V]
	opts    Options[K, V]
	group   singleflight.Group
}

func New[K comparable, V any](fetch Fetcher[K, V], opts Options[K, V]) *Cache[K, V] {
	if opts.Now == nil {
		opts.Now = timeutil.Now
	}
	if opts.Scope == nil {
		opts.Scope = async.NewScope(context.Background())
	}
	return &Cache[K, V]{entries: make(map[K]entry[V]), fetch: fetch, opts: opts}
}

// Get returns the cached value and when it was fetched.
func (c *Cache[K, V]) Get(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, e.fetchedAt, ok
}

// Seed stores a value without marking it fresh, e.g. from a persisted
// snapshot. An existing entry is left alone.
func (c *Cache[K, V]) Seed(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	c.entries[key] = entry[V]{value: v}
}

// Fresh reports whether key holds a value younger than the TTL.
func (c *Cache[K, V]) Fresh(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freshLocked(key)
}

func (c *Cache[K, V]) freshLocked(key K) bool {
	e, ok := c.entries[key]
	if !ok || e.fetchedAt.IsZero() || c.opts.TTL <= 0 {
		return false
	}
	return c.opts.Now().Sub(e.fetchedAt) < c.opts.TTL
}

// GetOrRefresh serves a fresh value directly, a stale value while refreshing
// in the background, and fetches synchronously only when nothing is cached.
func (c *Cache[K, V]) GetOrRefresh(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	fresh := c.freshLocked(key)
	c.mu.Unlock()
	if ok {
		if !fresh {
			c.Revalidate(key)
		}
		return e.value, nil
	}
	return c.Refresh(ctx, key)
}

// Revalidate starts a background refresh unless the value is fresh.
func (c *Cache[K, V]) Revalidate(key K) {
	if c.Fresh(key) {
		return
	}
	c.opts.Scope.Go(func(ctx context.Context) {
		_, _ = c.Refresh(ctx, key)
	})
}

// Refresh fetches key now; concurrent refreshes of one key share a fetch.
// On failure the stale value, if any, is returned alongside the error.
func (c *Cache[K, V]) Refresh(ctx context.Context, key K) (V, error) {
	res, err, _ := c.group.Do(fmt.Sprint(key), func() (interface{}, error) {
		v, err := c.fetch(ctx, key)
		if err != nil {
			if c.opts.OnError != nil {
				c.opts.OnError(key, err)
			}
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, fetchedAt: c.opts.Now()}
		c.mu.Unlock()
		if c.opts.OnUpdate != nil {
			c.opts.OnUpdate(key, v)
		}
		return v, nil
	})
	if err != nil {
		stale, _, _ := c.Get(key)
		return stale, err
	}
	return res.(V), nil
}

// Invalidate forgets key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
