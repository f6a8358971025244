// Package dedupe drops inbound events the gateway has already delivered.
// Discord replays MESSAGE_CREATE after a resumed session.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxKeys = 10_000
)

type seenAt struct {
	at      time.Time
	element *list.Element
}

// Cache remembers event IDs for a TTL, holding at most maxKeys of them.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*seenAt
	order   *list.List // oldest first
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
}

func New(ttl time.Duration, maxKeys int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Cache{
		seen:    make(map[string]*seenAt),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Seen reports whether id was recorded within the TTL, and records it if
// not. Check and record happen under one lock.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[id]; ok {
		if now.Sub(e.at) < c.ttl {
			return true
		}
		e.at = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxKeys {
		c.removeLocked(c.order.Front())
	}
	c.seen[id] = &seenAt{at: now, element: c.order.PushBack(id)}
	return false
}

// Len returns the number of remembered IDs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Expire drops IDs older than the TTL and returns how many were dropped.
func (c *Cache) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		id := el.Value.(string)
		if now.Sub(c.seen[id].at) < c.ttl {
			break
		}
		c.removeLocked(el)
		n++
		el = next
	}
	return n
}

// Run expires old IDs every minute until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Expire()
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	delete(c.seen, el.Value.(string))
	c.order.Remove(el)
}
