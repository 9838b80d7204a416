package idempotency

import (
	"sync"
	"time"
)

// ttlCache is the fast replay tier. Only COMPLETED records live here;
// expired entries are dropped on read and by an occasional sweep.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]*Record
	sweeps  int
}

const sweepEvery = 256

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]*Record)}
}

func cacheKey(key, scope string) string {
	return scope + "\x00" + key
}

func (c *ttlCache) get(key, scope string, now time.Time) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[cacheKey(key, scope)]
	if !ok {
		return nil
	}
	if rec.Expired(now) {
		delete(c.entries, cacheKey(key, scope))
		return nil
	}
	return rec
}

func (c *ttlCache) set(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(rec.Key, rec.Scope)] = rec
	c.sweeps++
	if c.sweeps >= sweepEvery {
		c.sweeps = 0
		now := time.Now()
		for k, r := range c.entries {
			if r.Expired(now) {
				delete(c.entries, k)
			}
		}
	}
}

func (c *ttlCache) delete(key, scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(key, scope))
}
