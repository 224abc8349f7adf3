package dnsengine

import (
	"container/list"
	"net"
	"sync"
	"time"
)

// lruCache is a fixed-capacity LRU cache for resolved addresses. Expired
// entries are dropped on access; there is no background sweep.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	host    string
	ips     []net.IP
	expires time.Time
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the cached addresses for host if the entry is still fresh.
// An expired entry is evicted and reported as a miss.
func (c *lruCache) get(host string, now time.Time) ([]net.IP, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[host]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if !now.Before(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, host)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.ips, true
}

// put stores addresses for host, evicting the least recently used entry
// when at capacity.
func (c *lruCache) put(host string, ips []net.IP, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[host]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.ips = ips
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).host)
	}

	c.entries[host] = c.order.PushFront(&cacheEntry{host: host, ips: ips, expires: expires})
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
