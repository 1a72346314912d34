// ABOUTME: Thread-safe TTL cache of recently seen inbound message keys.
// ABOUTME: Lets the gateway drop frames a device re-sends after a reconnect.

package dedupe

import (
	"container/list"
	"strconv"
	"sync"
	"time"
)

// Defaults used by the gateway.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 100_000
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for a TTL, bounded by maxSize. Entries are kept in
// mark order, which is also expiry order, so expired keys are swept from the
// front on every call instead of by a background goroutine.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// MessageKey builds the cache key for a device message. Message ids are only
// unique per account and chat.
func MessageKey(accountID, talker string, msgID int64) string {
	return accountID + "\x00" + talker + "\x00" + strconv.FormatInt(msgID, 10)
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(c.now())
	_, ok := c.seen[key]
	return ok
}

// CheckAndMark atomically reports whether key was already seen and marks it
// when it was not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Mark records key as seen, refreshing its TTL if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)
	if el, ok := c.seen[key]; ok {
		el.Value.(*entry).seenAt = now
		c.order.MoveToBack(el)
		return
	}
	c.markLocked(key, now)
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.seen)
}

func (c *Cache) markLocked(key string, now time.Time) {
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(*entry).key)
		}
	}
	c.seen[key] = c.order.PushBack(&entry{key: key, seenAt: now})
}

func (c *Cache) sweepLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, e.key)
	}
}
