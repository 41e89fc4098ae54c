// Package tokencache caches AuthService token validations in process.
// Positive results live for 60 s, failures for 5 s, bounding how long a
// revoked token keeps working and how long a flaky auth call keeps failing.
package tokencache

import (
	"time"

	"github.com/mrmd-cloud/core/internal/clients"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	positiveTTL = 60 * time.Second
	negativeTTL = 5 * time.Second
)

type entry struct {
	user      *clients.User // nil for a cached rejection
	expiresAt time.Time
}

// Cache maps opaque session tokens to validation outcomes.
type Cache struct {
	entries *xsync.Map[string, entry]
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: xsync.NewMap[string, entry](),
		now:     time.Now,
	}
}

// Get returns the cached user for token. ok is false when the token has no
// live entry; a live negative entry returns (nil, true).
func (c *Cache) Get(token string) (*clients.User, bool) {
	e, loaded := c.entries.Load(token)
	if !loaded {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.entries.Delete(token)
		return nil, false
	}
	return e.user, true
}

// PutPositive caches a successful validation.
func (c *Cache) PutPositive(token string, user *clients.User) {
	c.entries.Store(token, entry{user: user, expiresAt: c.now().Add(positiveTTL)})
}

// PutNegative caches a rejection.
func (c *Cache) PutNegative(token string) {
	c.entries.Store(token, entry{expiresAt: c.now().Add(negativeTTL)})
}

// Invalidate drops a token (logout, account delete).
func (c *Cache) Invalidate(token string) {
	c.entries.Delete(token)
}

// Sweep removes expired entries; called from the interval scheduler.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(token string, e entry) bool {
		if now.After(e.expiresAt) {
			c.entries.Delete(token)
			removed++
		}
		return true
	})
	return removed
}

// Size returns the number of live and expired-but-unswept entries.
func (c *Cache) Size() int {
	return c.entries.Size()
}
