package correlate

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded map whose entries also expire after a fixed TTL. When
// full, the least recently written entry is evicted.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	now   func() time.Time
	items map[K]*list.Element
	order *list.List
}

type cacheItem[K comparable, V any] struct {
	key     K
	value   V
	written time.Time
}

func NewCache[K comparable, V any](maxEntries int, ttl time.Duration, now func() time.Time) *Cache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{
		max:   maxEntries,
		ttl:   ttl,
		now:   now,
		items: make(map[K]*list.Element),
		order: list.New(),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[K, V]) getLocked(key K) (V, bool) {
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	item := el.Value.(*cacheItem[K, V])
	if c.expired(item) {
		c.removeLocked(el)
		return zero, false
	}
	return item.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *Cache[K, V]) setLocked(key K, value V) {
	now := c.now()
	if el, ok := c.items[key]; ok {
		item := el.Value.(*cacheItem[K, V])
		item.value = value
		item.written = now
		c.order.MoveToBack(el)
		return
	}
	c.items[key] = c.order.PushBack(&cacheItem[K, V]{key: key, value: value, written: now})
	c.pruneLocked()
}

// Add stores value only when key is absent or expired and reports whether it
// did.
func (c *Cache[K, V]) Add(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.getLocked(key); ok {
		return false
	}
	c.setLocked(key, value)
	return true
}

// Update applies fn to the current value atomically. fn returns the new value
// and whether to keep it; returning false deletes the key.
func (c *Cache[K, V]) Update(key K, fn func(cur V, ok bool) (V, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.getLocked(key)
	next, keep := fn(cur, ok)
	if !keep {
		if el, exists := c.items[key]; exists {
			c.removeLocked(el)
		}
		return
	}
	c.setLocked(key, next)
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len counts unexpired entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	return len(c.items)
}

func (c *Cache[K, V]) pruneLocked() {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*cacheItem[K, V])
		if !c.expired(item) && len(c.items) <= c.max {
			break
		}
		c.removeLocked(el)
		el = next
	}
}

func (c *Cache[K, V]) expired(item *cacheItem[K, V]) bool {
	return c.ttl > 0 && c.now().Sub(item.written) >= c.ttl
}

func (c *Cache[K, V]) removeLocked(el *list.Element) {
	item := c.order.Remove(el).(*cacheItem[K, V])
	delete(c.items, item.key)
}
