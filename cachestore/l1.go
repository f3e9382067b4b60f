package cachestore

import (
	"container/list"
	"sync"
	"time"
)

type l1node struct {
	key     string
	entry   *Entry
	element *list.Element
}

// L1 is a thread-safe in-process LRU+TTL front for Store, adapted from
// cache-manager/cache.go's L1Cache but holding a full *Entry rather than
// interface{} values. It is optional: Store works standalone without it,
// wired in only when its owning class is configured with a non-zero
// capacity (queryservice.Config.L1MaxEntries).
type L1 struct {
	mu         sync.RWMutex
	entries    map[string]*l1node
	lru        *list.List
	maxEntries int
}

// NewL1 creates an L1 front with the given eviction capacity.
func NewL1(maxEntries int) *L1 {
	return &L1{
		entries:    make(map[string]*l1node, maxEntries),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns the cached entry, or (nil, false) on a miss or lazy-expired
// entry. A lazy expiry here only evicts the L1 copy; the backing Store row
// is untouched, so a subsequent Store.Read still finds it and classifies
// it Stale rather than Absent.
func (c *L1) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !n.entry.ExpiresAt.IsZero() && time.Now().After(n.entry.ExpiresAt) {
		c.deleteLocked(key)
		return nil, false
	}

	c.lru.MoveToFront(n.element)
	return n.entry, true
}

// Set stores entry under its own key, evicting the LRU tail if at capacity.
func (c *L1) Set(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.entries[entry.Key]; ok {
		n.entry = entry
		c.lru.MoveToFront(n.element)
		return
	}

	if c.lru.Len() >= c.maxEntries {
		c.evictLocked()
	}

	n := &l1node{key: entry.Key, entry: entry}
	n.element = c.lru.PushFront(n)
	c.entries[entry.Key] = n
}

// Delete removes key, returning true if it existed.
func (c *L1) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key)
}

func (c *L1) deleteLocked(key string) bool {
	n, ok := c.entries[key]
	if !ok {
		return false
	}
	c.lru.Remove(n.element)
	delete(c.entries, key)
	return true
}

func (c *L1) evictLocked() {
	tail := c.lru.Back()
	if tail == nil {
		return
	}
	n := tail.Value.(*l1node)
	c.lru.Remove(tail)
	delete(c.entries, n.key)
}

// Len returns the current entry count.
func (c *L1) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}
