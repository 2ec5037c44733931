package broker

import (
	"sync"
	"time"
)

// idemCache remembers client ids inside the retention window so a resent
// intent cannot execute twice. Entries expire lazily on access.
type idemCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	seen  map[string]time.Time
	nowFn func() time.Time
}

func newIdemCache(ttl time.Duration) *idemCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &idemCache{
		ttl:   ttl,
		seen:  make(map[string]time.Time),
		nowFn: time.Now,
	}
}

// Remember registers the id and reports whether it was a duplicate inside
// the window.
func (c *idemCache) Remember(id string) (duplicate bool) {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()
	if at, ok := c.seen[id]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[id] = now
	c.prune(now)
	return false
}

func (c *idemCache) prune(now time.Time) {
	if len(c.seen) < 1024 {
		return
	}
	for id, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, id)
		}
	}
}
