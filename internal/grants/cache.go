package grants

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long an untouched unrestricted grant set stays
// cached. Expiry is idle-based: every read restarts the window.
const DefaultCacheTTL = 30 * time.Second

// generationUnset keys the cache slot when the unrestricted principal row
// has never been written. Real generations are unix milliseconds.
const generationUnset int64 = -1

type cacheEntry struct {
	set        *Set
	lastAccess time.Time
}

// unrestrictedCache memoizes the unrestricted grant set keyed by the stored
// generation of the Everyone principal row. A write bumps the stored
// generation, so the next read misses and reloads; until then only the
// cheap single-column generation probe touches storage. When a reload
// fails, the last known good entry is served instead, as long as it has not
// idled out of the cache.
type unrestrictedCache struct {
	ttl        time.Duration
	generation func(ctx context.Context) (int64, error)
	load       func(ctx context.Context) (*Set, error)
	log        *slog.Logger
	metrics    *Metrics
	now        func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	entries  map[int64]*cacheEntry
	lastGood int64
	hasGood  bool
}

type cacheConfig struct {
	ttl        time.Duration
	generation func(ctx context.Context) (int64, error)
	load       func(ctx context.Context) (*Set, error)
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

func newUnrestrictedCache(cfg cacheConfig) *unrestrictedCache {
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultCacheTTL
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &unrestrictedCache{
		ttl:        cfg.ttl,
		generation: cfg.generation,
		load:       cfg.load,
		log:        cfg.logger,
		metrics:    cfg.metrics,
		now:        cfg.now,
		entries:    map[int64]*cacheEntry{},
	}
}

// Get returns the unrestricted grant set for the current stored generation,
// loading it when the generation is not cached. Concurrent loads for the
// same generation are collapsed into one.
func (c *unrestrictedCache) Get(ctx context.Context) (*Set, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return c.fallback(err)
	}

	if set, ok := c.lookup(gen); ok {
		c.metrics.CacheLookup("hit")
		return set, nil
	}
	c.metrics.CacheLookup("miss")

	v, err, _ := c.group.Do(strconv.FormatInt(gen, 10), func() (any, error) {
		set, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.store(gen, set)
		return set, nil
	})
	if err != nil {
		return c.fallback(err)
	}
	return v.(*Set), nil
}

// lookup returns the cached entry for gen if it has not idled out, touching
// it so read traffic keeps a hot generation alive. Expired entries of any
// generation are dropped on the way.
func (c *unrestrictedCache) lookup(gen int64) (*Set, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpired()
	entry, ok := c.entries[gen]
	if !ok {
		return nil, false
	}
	entry.lastAccess = c.now()
	return entry.set, true
}

func (c *unrestrictedCache) store(gen int64, set *Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[gen] = &cacheEntry{set: set, lastAccess: c.now()}
	c.lastGood = gen
	c.hasGood = true
}

// fallback serves the last known good entry after a failed reload, if it is
// still cached. Without one the failure propagates.
func (c *unrestrictedCache) fallback(cause error) (*Set, error) {
	c.mu.Lock()
	if c.hasGood {
		if entry, ok := c.entries[c.lastGood]; ok && c.now().Sub(entry.lastAccess) <= c.ttl {
			entry.lastAccess = c.now()
			c.mu.Unlock()
			c.log.Warn("serving last known unrestricted grants after reload failure", slog.Any("error", cause))
			c.metrics.CacheFallback()
			return entry.set, nil
		}
	}
	c.mu.Unlock()
	return nil, fmt.Errorf("grants: reload unrestricted grants: %w", cause)
}

func (c *unrestrictedCache) purgeExpired() {
	now := c.now()
	for gen, entry := range c.entries {
		if now.Sub(entry.lastAccess) > c.ttl {
			delete(c.entries, gen)
			if c.hasGood && c.lastGood == gen {
				c.hasGood = false
			}
		}
	}
}
