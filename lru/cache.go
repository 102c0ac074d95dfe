// Package lru implements a generic, thread-safe LRU cache with optional
// per-entry TTL, an eviction callback, and hit/miss metrics.
//
// Time complexity: O(1) for Get, Put, Delete, Len.
// Space complexity: O(n) where n is capacity.
//
// Implementation uses a hash map for O(1) key lookup combined with a doubly
// linked list for O(1) eviction ordering. Expired entries are reaped lazily
// on access.
package lru

import (
	"sync"
	"time"
)

// node is a doubly linked list node holding a key-value pair.
type node[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time // zero means no expiry
	prev      *node[K, V]
	next      *node[K, V]
}

// Metrics aggregates cache effectiveness counters.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// HitRate is Hits / (Hits + Misses); zero for an untouched cache.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets a default time-to-live applied by Put. PutWithTTL overrides it
// per entry; zero keeps entries forever.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.defaultTTL = ttl }
}

// WithOnEvict registers a callback invoked whenever an entry leaves the cache
// through capacity eviction or TTL expiry (not explicit Delete). The callback
// runs with the cache lock held and must not call back into the cache.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// Cache is a generic, thread-safe LRU cache.
// K must be comparable (map key constraint), V can be any type.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	capacity   int
	items      map[K]*node[K, V]
	head       *node[K, V] // most recently used (sentinel)
	tail       *node[K, V] // least recently used (sentinel)
	defaultTTL time.Duration
	onEvict    func(K, V)
	metrics    Metrics
	now        func() time.Time // test hook
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	c := &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value by key, promoting it to most recently used. Returns
// the zero value and false for missing or expired entries. O(1).
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		c.metrics.Misses++
		var zero V
		return zero, false
	}
	if c.expired(n) {
		c.expire(n)
		c.metrics.Misses++
		var zero V
		return zero, false
	}

	c.metrics.Hits++
	c.moveToFront(n)
	return n.val, true
}

// Put inserts or updates a key-value pair with the default TTL. If the cache
// is at capacity, the least recently used entry is evicted. Returns the
// evicted key/value and true when an eviction occurred. O(1).
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	return c.PutWithTTL(key, val, c.defaultTTL)
}

// PutWithTTL is Put with an explicit time-to-live for this entry; zero means
// no expiry. Updating an existing key resets its TTL. O(1).
func (c *Cache[K, V]) PutWithTTL(key K, val V, ttl time.Duration) (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	// Update existing
	if n, ok := c.items[key]; ok {
		n.val = val
		n.expiresAt = expiresAt
		c.moveToFront(n)
		var zeroK K
		var zeroV V
		return zeroK, zeroV, false
	}

	// Evict if at capacity
	var evictedKey K
	var evictedVal V
	evicted := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
		evictedKey, evictedVal, evicted = victim.key, victim.val, true
		c.metrics.Evictions++
		if c.onEvict != nil {
			c.onEvict(victim.key, victim.val)
		}
	}

	// Insert new
	n := &node[K, V]{key: key, val: val, expiresAt: expiresAt}
	c.items[key] = n
	c.pushFront(n)

	return evictedKey, evictedVal, evicted
}

// Delete removes a key from the cache. Returns true if the key existed. The
// eviction callback is not invoked for explicit deletes. O(1).
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}

	c.remove(n)
	delete(c.items, key)
	return true
}

// Len returns the current number of entries, expired ones included until
// they are lazily reaped. O(1).
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Peek retrieves a value without updating access order. Expired entries are
// reaped and reported missing. O(1).
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(n) {
		c.expire(n)
		var zero V
		return zero, false
	}
	return n.val, true
}

// Keys returns live keys in order from most to least recently used. O(n).
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		if c.expired(cur) {
			continue
		}
		keys = append(keys, cur.key)
	}
	return keys
}

// Clear removes all entries from the cache. Metrics are preserved. O(n).
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V], c.capacity)
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// --- internal operations (caller must hold lock) ---

func (c *Cache[K, V]) expired(n *node[K, V]) bool {
	return !n.expiresAt.IsZero() && c.now().After(n.expiresAt)
}

// expire reaps one expired node.
func (c *Cache[K, V]) expire(n *node[K, V]) {
	c.remove(n)
	delete(c.items, n.key)
	c.metrics.Expirations++
	if c.onEvict != nil {
		c.onEvict(n.key, n.val)
	}
}

// remove detaches a node from the list.
func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

// pushFront inserts a node right after the head sentinel.
func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

// moveToFront detaches and reinserts a node at the front.
func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
