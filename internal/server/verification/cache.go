package verification

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// Status is the verification state of one identity as last observed in the
// identity store.
type Status struct {
	IdentityID string    `json:"identityId"`
	Email      string    `json:"email"`
	Verified   bool      `json:"verified"`
	CheckedAt  time.Time `json:"checkedAt"`
	Cached     bool      `json:"cached"`
}

type cacheEntry struct {
	status  Status
	expires time.Time
}

// Cache holds Status values for a fixed TTL. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   timex.Clock
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration, clock timex.Clock) *Cache {
	if clock == nil {
		clock = timex.SystemClock{}
	}
	return &Cache{ttl: ttl, clock: clock, entries: make(map[string]cacheEntry)}
}

// Get returns the cached status for id if it has not expired.
func (c *Cache) Get(id string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Status{}, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, id)
		return Status{}, false
	}
	return e.status, true
}

func (c *Cache) Put(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.IdentityID] = cacheEntry{status: s, expires: c.clock.Now().Add(c.ttl)}
}

func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
