package wsproxy

import (
	"sync"
	"time"
)

const throttleWindow = 15 * time.Second

type throttleEntry struct {
	lastLogged time.Time
	suppressed int
}

// Throttle deduplicates repeated error logs per key within a window.
// A stale internal sync port reconnecting in a tight loop produces the same
// dial error hundreds of times per second; one line per 15 s with a
// suppressed count is enough.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
	now     func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{
		entries: make(map[string]*throttleEntry),
		now:     time.Now,
	}
}

// Allow reports whether an event keyed by key should be logged now. When it
// returns true, suppressed is the number of events swallowed since the last
// allowed one.
func (t *Throttle) Allow(key string) (ok bool, suppressed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, found := t.entries[key]
	if !found {
		t.entries[key] = &throttleEntry{lastLogged: now}
		return true, 0
	}
	if now.Sub(e.lastLogged) >= throttleWindow {
		suppressed = e.suppressed
		e.lastLogged = now
		e.suppressed = 0
		return true, suppressed
	}
	e.suppressed++
	return false, 0
}
