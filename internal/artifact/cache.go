package artifact

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 512
	defaultCacheTTL  = 5 * time.Minute
)

type cacheEntry struct {
	data     []byte
	storedAt time.Time
}

// Cached wraps a Reader with an LRU cache of recent reads. Failed reads
// are not cached.
type Cached struct {
	next  Reader
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

var _ Reader = (*Cached)(nil)

// NewCached wraps next. Non-positive size or ttl use the defaults.
func NewCached(next Reader, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	// lru.New only fails for non-positive sizes.
	cache, _ := lru.New[string, cacheEntry](size)
	return &Cached{next: next, cache: cache, ttl: ttl, now: time.Now}
}

// ReadFile returns a cached copy when one is fresh, otherwise reads through.
func (c *Cached) ReadFile(ctx context.Context, agentID, path string) ([]byte, error) {
	key, err := cleanKey(agentID, path)
	if err != nil {
		return nil, err
	}
	if e, ok := c.cache.Get(key); ok {
		if c.now().Sub(e.storedAt) < c.ttl {
			return clone(e.data), nil
		}
		c.cache.Remove(key)
	}

	data, err := c.next.ReadFile(ctx, agentID, path)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cacheEntry{data: clone(data), storedAt: c.now()})
	return data, nil
}

// Invalidate drops every cached artifact of an agent, for example after
// the agent is cleaned up.
func (c *Cached) Invalidate(agentID string) {
	prefix := agentID + "/"
	for _, k := range c.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.cache.Remove(k)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cached) Len() int { return c.cache.Len() }

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
