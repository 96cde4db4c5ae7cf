package resilience

import (
	"container/list"
	"sync"
	"time"
)

// cacheItem holds a cached value with its insertion time and TTL.
type cacheItem struct {
	key        string
	value      interface{}
	insertedAt time.Time
	ttl        time.Duration
}

func (i *cacheItem) expired(now time.Time) bool {
	return now.Sub(i.insertedAt) > i.ttl
}

// FallbackCache is a bounded LRU cache with per-entry TTLs. It serves
// stale-but-recent values for read operations while the primary store
// is unavailable.
type FallbackCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	eviction *list.List // front = most recently used
}

// NewFallbackCache creates a cache bounded to maxSize entries.
func NewFallbackCache(maxSize int) *FallbackCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &FallbackCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// Get returns the cached value for key if present and not expired.
// Expired entries are purged and reported as a miss. A hit refreshes
// the entry's recency.
func (c *FallbackCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	item := elem.Value.(*cacheItem)
	if item.expired(time.Now()) {
		c.removeElement(elem)
		return nil, false
	}

	c.eviction.MoveToFront(elem)
	return item.value, true
}

// Set stores value under key with the given TTL, evicting the least
// recently used entries if the cache is full.
func (c *FallbackCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if elem, ok := c.items[key]; ok {
		item := elem.Value.(*cacheItem)
		item.value = value
		item.insertedAt = now
		item.ttl = ttl
		c.eviction.MoveToFront(elem)
		return
	}

	for len(c.items) >= c.maxSize {
		oldest := c.eviction.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}

	elem := c.eviction.PushFront(&cacheItem{
		key:        key,
		value:      value,
		insertedAt: now,
		ttl:        ttl,
	})
	c.items[key] = elem
}

// Delete removes key from the cache if present.
func (c *FallbackCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Size returns the current number of entries, including any expired
// entries not yet purged.
func (c *FallbackCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes all entries.
func (c *FallbackCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()
}

// removeElement must be called with the mutex held.
func (c *FallbackCache) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	delete(c.items, item.key)
	c.eviction.Remove(elem)
}
