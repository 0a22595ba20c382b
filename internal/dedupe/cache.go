// ABOUTME: Thread-safe TTL cache mapping request ids to their terminal run status.
// ABOUTME: Backs idempotent resubmission without growing memory unbounded.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the status, timestamp, and list element for a cached key.
type cacheEntry struct {
	status    string
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited map from request id
// to run status. The conversation model records every requestId it has seen
// so a resubmission of a finished request can be acknowledged instead of
// starting a duplicate run. Uses a doubly-linked list to maintain insertion
// order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new status cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the recorded status for key and whether it is present and
// unexpired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.status, true
}

// Set records (or updates) the status for key, refreshing its TTL. When the
// cache is at capacity the oldest entry is evicted.
func (c *Cache) Set(key, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if entry, ok := c.seen[key]; ok {
		entry.status = status
		entry.timestamp = time.Now()
		c.order.MoveToBack(entry.element)
		return
	}

	for len(c.seen) >= c.maxSize && c.order.Len() > 0 {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.seen, oldest.Value.(string))
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		status:    status,
		timestamp: time.Now(),
		element:   elem,
	}
}

// Len returns the number of entries currently tracked (including expired
// entries not yet swept).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// Close stops the background cleanup goroutine.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// cleanup periodically removes expired entries.
func (c *Cache) cleanup() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes all expired entries from the front of the insertion order.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for e := c.order.Front(); e != nil; {
		key := e.Value.(string)
		entry, ok := c.seen[key]
		next := e.Next()
		if ok && now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(e)
			delete(c.seen, key)
		}
		e = next
	}
}
