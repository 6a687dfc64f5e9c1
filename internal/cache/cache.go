// Package cache keeps recent tool results for a short time so repeated
// searches do not hit the memory backend. Entries are volatile and live only
// as long as the process.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultTTL        = 300 * time.Second
	DefaultMaxEntries = 100
)

type entry struct {
	result    string
	userID    string
	createdAt time.Time
}

// Cache maps a request fingerprint to a result with a time-to-live. When the
// entry count exceeds the bound the entry created first is evicted, regardless
// of how recently it was read. All methods are safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithMaxEntries overrides DefaultMaxEntries.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		c.maxEntries = n
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]entry),
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key for an operation. params must hold every argument
// that changes the result; map keys are serialized in sorted order so the
// key is stable.
func Key(operation, userID string, params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(raw)
	return operation + ":" + userID + ":" + hex.EncodeToString(sum[:])
}

// Get returns the stored result. An expired entry is removed and reported as
// a miss.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.createdAt) >= c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.result, true
}

// Put stores result under key, then evicts the oldest entry if the cache grew
// past its bound.
func (c *Cache) Put(key, userID, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{result: result, userID: userID, createdAt: c.now()}

	if len(c.entries) <= c.maxEntries {
		return
	}

	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.createdAt.Before(oldest) {
			oldestKey, oldest, found = k, e.createdAt, true
		}
	}
	delete(c.entries, oldestKey)
}

// PurgeUser drops every entry stored for userID and returns how many were
// removed.
func (c *Cache) PurgeUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.userID == userID {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
