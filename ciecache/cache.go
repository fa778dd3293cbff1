// Package ciecache implements the bounded, TTL-aware, approximate-LRU Cache
// and the singleflight-backed Coalescer shared by the Cascade Engine and the
// LLM Caller (spec.md §4.4, §4.5). Both are generic over the cached value so
// neither the Engine's Result cache nor the Caller's response cache needs to
// round-trip through interface{}.
package ciecache

import (
	"container/list"
	"sync"
	"time"

	"github.com/owlthread/cie/ciecore"
)

// Entry is a single cached value plus its bookkeeping, returned by Get so
// callers can inspect HitCount/InsertedAt without a second lookup.
type Entry[V any] struct {
	Value      V
	InsertedAt time.Time
	ExpiresAt  time.Time
	HitCount   int64
}

type element[V any] struct {
	key   ciecore.Fingerprint
	entry Entry[V]
}

// Cache is a bounded, approximate-LRU, TTL-evicting map keyed by
// ciecore.Fingerprint. Eviction removes the entry with the smallest
// (HitCount, InsertedAt) tuple, per spec.md §4.4 — not pure recency, so a
// single cold entry created a millisecond ago does not necessarily outrank
// a warm one nobody has touched in an hour once capacity is exceeded.
//
// Every operation, including Get, takes the same exclusive Mutex: a read
// still touches the LRU list, so there is no separate read path to give an
// RLock, mirroring the single-lock-per-store pattern in the teacher's
// in-memory store (spec.md §5 — a single lock each, no sharding).
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[ciecore.Fingerprint]*list.Element
	order    *list.List // list.Element.Value is *element[V]; front = most recently touched
	capacity int
	ttl      time.Duration
	clock    ciecore.Clock
	logger   ciecore.Logger
	scope    string
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock overrides the clock (tests use a fake for TTL assertions).
func WithClock[V any](clock ciecore.Clock) Option[V] {
	return func(c *Cache[V]) { c.clock = clock }
}

// WithLogger attaches a Logger for cache hit/miss/eviction debug lines.
func WithLogger[V any](logger ciecore.Logger) Option[V] {
	return func(c *Cache[V]) { c.logger = logger }
}

// WithScope labels this cache's metrics/log lines (e.g. the engine id or
// "llmcaller").
func WithScope[V any](scope string) Option[V] {
	return func(c *Cache[V]) { c.scope = scope }
}

// New creates a Cache with the given capacity (a non-positive capacity is
// replaced by 512) and default TTL applied to entries that don't specify
// their own via PutTTL.
func New[V any](capacity int, defaultTTL time.Duration, opts ...Option[V]) *Cache[V] {
	if capacity <= 0 {
		capacity = 512
	}
	c := &Cache[V]{
		entries:  make(map[ciecore.Fingerprint]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
		ttl:      defaultTTL,
		clock:    ciecore.SystemClock{},
		logger:   ciecore.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry for fp, or (zero, false) on miss or expiry.
// TTL is evaluated lazily here: an expired entry is treated as a miss and
// removed, per spec.md §4.4.
func (c *Cache[V]) Get(fp ciecore.Fingerprint) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fp]
	if !ok {
		ciecore.EmitCounter("cie.cache.misses", "scope", c.scope)
		return Entry[V]{}, false
	}

	ent := el.Value.(*element[V])
	now := c.clock.Now()
	if now.After(ent.entry.ExpiresAt) {
		c.removeElement(el)
		c.logger.Debug("cache entry expired", map[string]interface{}{"fingerprint": string(fp)})
		ciecore.EmitCounter("cie.cache.misses", "scope", c.scope)
		return Entry[V]{}, false
	}

	ent.entry.HitCount++
	c.order.MoveToFront(el)
	ciecore.EmitCounter("cie.cache.hits", "scope", c.scope)
	return ent.entry, true
}

// Put inserts or overwrites the value for fp with the cache's default TTL,
// evicting the least valuable entry if the cache is at capacity.
func (c *Cache[V]) Put(fp ciecore.Fingerprint, value V) {
	c.PutTTL(fp, value, c.ttl)
}

// PutTTL inserts or overwrites the value for fp with an explicit TTL.
func (c *Cache[V]) PutTTL(fp ciecore.Fingerprint, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if el, ok := c.entries[fp]; ok {
		ent := el.Value.(*element[V])
		ent.entry.Value = value
		ent.entry.InsertedAt = now
		ent.entry.ExpiresAt = now.Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOne()
	}

	ent := &element[V]{
		key: fp,
		entry: Entry[V]{
			Value:      value,
			InsertedAt: now,
			ExpiresAt:  now.Add(ttl),
		},
	}
	el := c.order.PushFront(ent)
	c.entries[fp] = el
}

// evictOne removes the entry with the smallest (HitCount, InsertedAt) tuple.
// Must be called with mu held.
func (c *Cache[V]) evictOne() {
	var victim *list.Element
	var victimEnt *element[V]

	for el := c.order.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*element[V])
		if victim == nil ||
			ent.entry.HitCount < victimEnt.entry.HitCount ||
			(ent.entry.HitCount == victimEnt.entry.HitCount && ent.entry.InsertedAt.Before(victimEnt.entry.InsertedAt)) {
			victim = el
			victimEnt = ent
		}
	}

	if victim != nil {
		c.removeElement(victim)
		ciecore.EmitCounter("cie.cache.evictions", "scope", c.scope)
	}
}

// removeElement deletes an element from both the map and the list. Must be
// called with mu held.
func (c *Cache[V]) removeElement(el *list.Element) {
	ent := el.Value.(*element[V])
	delete(c.entries, ent.key)
	c.order.Remove(el)
}

// EvictExpired sweeps the whole cache removing expired entries eagerly;
// callers may run this periodically instead of relying purely on lazy
// eviction at Get time.
func (c *Cache[V]) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		ent := el.Value.(*element[V])
		if now.After(ent.entry.ExpiresAt) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Clear empties the cache.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[ciecore.Fingerprint]*list.Element, c.capacity)
	c.order.Init()
}

// Size returns the current number of entries.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
