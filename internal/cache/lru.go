// Package cache provides a TTL-bounded LRU for upstream response
// caching and time-limited deduplication.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// entry is one cached value with its expiry.
type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// LRU is a fixed-capacity cache with per-entry TTL. Reads promote
// entries; inserts beyond capacity evict the least recently used.
type LRU struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	order      *list.List // front = most recent
	items      map[string]*list.Element
	now        func() time.Time
}

// NewLRU creates a cache holding at most capacity entries, each
// expiring after defaultTTL unless SetTTL overrides it.
func NewLRU(capacity int, defaultTTL time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 100
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Second
	}
	return &LRU{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.now().After(ent.expiresAt) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Set stores value under key with the default TTL.
func (c *LRU) Set(key string, value any) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL.
func (c *LRU) SetTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = expires
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, value: value, expiresAt: expires})
	c.items[key] = el

	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
}

// Invalidate removes every entry whose key contains substr. Used to
// drop all cached reads touching a session id after a mutation.
func (c *LRU) Invalidate(substr string) int {
	if substr == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.items {
		if strings.Contains(key, substr) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Sweep removes expired entries. Called periodically by the janitor.
func (c *LRU) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, el := range c.items {
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Purge drops all entries.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of entries currently held, expired included.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
