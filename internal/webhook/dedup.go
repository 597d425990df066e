package webhook

import (
	"sync"
	"time"
)

// DedupCache tracks delivery identifiers for idempotent replay handling.
// Webhook sources retry deliveries; a replay inside the retention window
// must be acknowledged without reprocessing.
type DedupCache struct {
	mu        sync.Mutex
	retention time.Duration
	seen      map[string]time.Time
}

func NewDedupCache(retention time.Duration) *DedupCache {
	return &DedupCache{
		retention: retention,
		seen:      make(map[string]time.Time),
	}
}

// Seen atomically records deliveryID and reports whether it was already
// present within the retention window. Concurrent duplicate deliveries of
// the same id observe exactly one false.
func (c *DedupCache) Seen(deliveryID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.retention)
	for id, t := range c.seen {
		if t.Before(cutoff) {
			delete(c.seen, id)
		}
	}

	if _, ok := c.seen[deliveryID]; ok {
		return true
	}
	c.seen[deliveryID] = now
	return false
}
