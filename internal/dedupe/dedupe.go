// Package dedupe guards webhook processing against provider replays.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Guard remembers message keys that were already processed. Seen is only a
// hint: callers mark a key after the message is durable, so a key that never
// got marked is always processed again.
type Guard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
	Close() error
}

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is an in-process, size-bounded TTL Guard.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewCache starts a Cache with a background sweep of expired keys.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *Cache) Seen(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && time.Since(entry.timestamp) < c.ttl, nil
}

func (c *Cache) Mark(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.markLocked(key)
	return nil
}

func (c *Cache) markLocked(key string) {
	now := time.Now()

	if entry, ok := c.seen[key]; ok {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}

	c.seen[key] = &cacheEntry{timestamp: now, element: c.order.PushBack(key)}
}

func (c *Cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the sweep. Safe to call more than once.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
	return nil
}
