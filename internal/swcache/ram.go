package swcache

import (
	"strings"
	"sync"
)

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU in front of the disk tier. A maxBytes of
// zero means unbounded.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, overflowLog: overflowLog}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

// DeletePrefix drops every item whose key starts with prefix.
func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
		}
	}
}

func (c *ramCache) Put(key string, ent CacheEntry) {
	c.put(key, ent, true)
}

// PutIfAbsent stores ent only when key holds nothing yet. Disk hits are
// promoted this way so they never replace a newer write.
func (c *ramCache) PutIfAbsent(key string, ent CacheEntry) bool {
	return c.put(key, ent, false)
}

func (c *ramCache) put(key string, ent CacheEntry, overwrite bool) bool {
	sz := ent.size()
	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big for RAM, the disk tier still has it
		if overwrite {
			c.Delete(key)
		}
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		if !overwrite {
			return false
		}
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.shrinkLocked(0)
		return true
	}

	if c.maxBytes > 0 && c.total+sz > c.maxBytes {
		c.overflowLog.Warnf("RAM cache overflow, evicting (total=%d incoming=%d)", c.total, sz)
		c.shrinkLocked(sz)
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	return true
}

// shrinkLocked evicts from the tail until incoming more bytes fit.
func (c *ramCache) shrinkLocked(incoming int64) {
	for c.maxBytes > 0 && c.total+incoming > c.maxBytes && c.tail != nil {
		c.drop(c.tail)
	}
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
