package utils

import (
	"sync"
	"time"
)

// Key identifies one observed quantity on one measurement channel.
type Key struct {
	Channel  int
	Quantity string
}

// ValueCache remembers the last observed value per channel quantity for a
// bounded TTL. The history writer uses it to drop repeat observations that
// have not changed within the window.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[Key]entry
}

type entry struct {
	v  float64
	at time.Time
}

// NewValueCache creates a cache with the given TTL. If ttl <= 0 it defaults
// to one minute.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ValueCache{ttl: ttl, data: make(map[Key]entry, 256)}
}

// Get returns the cached value if present and not expired.
func (c *ValueCache) Get(k Key) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[k]
	if !ok {
		return 0, false
	}
	if time.Since(e.at) > c.ttl {
		delete(c.data, k)
		return 0, false
	}
	return e.v, true
}

// Set stores the value with the current timestamp.
func (c *ValueCache) Set(k Key, v float64) {
	c.mu.Lock()
	c.data[k] = entry{v: v, at: time.Now()}
	c.mu.Unlock()
}
