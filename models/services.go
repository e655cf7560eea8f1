// koban/models/services.go
package models

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// PosterIDCache memoizes derived pseudonymous poster IDs keyed by (IP, thread).
// The ID is a pure function of its inputs, so the cache is strictly a
// performance optimization; eviction never changes observable behavior.
type PosterIDCache struct {
	entries *xsync.MapOf[string, posterIDEntry]
	maxAge  time.Duration
	stop    chan struct{}
}

type posterIDEntry struct {
	id       string
	cachedAt time.Time
}

// NewPosterIDCache creates a cache whose entries expire after maxAge and
// starts its background eviction loop.
func NewPosterIDCache(maxAge, sweepEvery time.Duration) *PosterIDCache {
	c := &PosterIDCache{
		entries: xsync.NewMapOf[string, posterIDEntry](),
		maxAge:  maxAge,
		stop:    make(chan struct{}),
	}
	go c.sweep(sweepEvery)
	return c
}

// Get returns the cached ID for (ip, threadID), computing and storing it via
// derive on a miss.
func (c *PosterIDCache) Get(ip string, threadID int64, derive func() string) string {
	key := fmt.Sprintf("%s/%d", ip, threadID)
	if e, ok := c.entries.Load(key); ok && time.Since(e.cachedAt) < c.maxAge {
		return e.id
	}
	id := derive()
	c.entries.Store(key, posterIDEntry{id: id, cachedAt: time.Now()})
	return id
}

// Len reports the number of cached entries, expired ones included.
func (c *PosterIDCache) Len() int {
	return c.entries.Size()
}

// Close stops the eviction loop.
func (c *PosterIDCache) Close() {
	close(c.stop)
}

func (c *PosterIDCache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-c.maxAge)
			c.entries.Range(func(key string, e posterIDEntry) bool {
				if e.cachedAt.Before(cutoff) {
					c.entries.Delete(key)
				}
				return true
			})
		case <-c.stop:
			return
		}
	}
}
