package webhook

import (
	"sync"
	"time"
)

// RateLimiter enforces sliding-window request limits per source and
// globally. A zero limit disables the corresponding check.
type RateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	perSource int
	global    int
	bySource  map[string][]time.Time
	all       []time.Time
}

func NewRateLimiter(window time.Duration, perSource, global int) *RateLimiter {
	return &RateLimiter{
		window:    window,
		perSource: perSource,
		global:    global,
		bySource:  make(map[string][]time.Time),
	}
}

// Allow records one request from source and reports whether it fits both
// windows. The check and the record are atomic.
func (l *RateLimiter) Allow(source string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	l.all = prune(l.all, cutoff)
	l.bySource[source] = prune(l.bySource[source], cutoff)
	if len(l.bySource[source]) == 0 {
		delete(l.bySource, source)
	}

	if l.global > 0 && len(l.all) >= l.global {
		return false
	}
	if l.perSource > 0 && len(l.bySource[source]) >= l.perSource {
		return false
	}

	l.all = append(l.all, now)
	l.bySource[source] = append(l.bySource[source], now)
	return true
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
