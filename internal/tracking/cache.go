package tracking

import (
	"sync"
	"time"

	"github.com/skyfleet/tracker/pkg/logger"
)

// CacheEntry is a cached position record with its insertion time.
type CacheEntry struct {
	Record   PositionRecord
	CachedAt time.Time
}

// PositionCache is the process-wide store of last-known aircraft positions.
// Entries older than the TTL are treated as absent and removed by a periodic
// sweep owned by the cache. A separate, much shorter freshness horizon
// distinguishes "stale enough to re-poll" from "stale enough to discard".
type PositionCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry

	ttl       time.Duration
	freshness time.Duration

	sweepStop chan struct{}
	stopOnce  sync.Once
	logger    *logger.Logger

	now func() time.Time
}

// NewPositionCache creates a cache and starts its sweep loop.
func NewPositionCache(ttl, freshness, sweepInterval time.Duration, loggerObj *logger.Logger) *PositionCache {
	c := &PositionCache{
		entries:   make(map[string]CacheEntry),
		ttl:       ttl,
		freshness: freshness,
		sweepStop: make(chan struct{}),
		logger:    loggerObj.Named("pos-cache"),
		now:       time.Now,
	}

	go c.sweepLoop(sweepInterval)
	return c
}

// Get returns the cached position for id, or false if absent or expired.
func (c *PositionCache) Get(id string) (PositionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || c.expired(entry) {
		return PositionRecord{}, false
	}
	return entry.Record, true
}

// GetEntry returns the full cache entry including its insertion time.
func (c *PositionCache) GetEntry(id string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || c.expired(entry) {
		return CacheEntry{}, false
	}
	return entry, true
}

// Set stores a position record for id.
func (c *PositionCache) Set(id string, record PositionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = CacheEntry{Record: record, CachedAt: c.now()}
}

// Has reports whether a non-expired entry exists for id.
func (c *PositionCache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	return ok && !c.expired(entry)
}

// IsFresh reports whether the entry for id is recent enough that a re-poll
// can be skipped.
func (c *PositionCache) IsFresh(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || c.expired(entry) {
		return false
	}
	return c.now().Sub(entry.CachedAt) <= c.freshness
}

// Freshness returns the re-poll freshness horizon.
func (c *PositionCache) Freshness() time.Duration {
	return c.freshness
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *PositionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.entries {
		if c.expired(entry) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including any not yet swept.
func (c *PositionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Destroy stops the sweep loop. The cache remains usable but unswept.
func (c *PositionCache) Destroy() {
	c.stopOnce.Do(func() {
		close(c.sweepStop)
	})
}

func (c *PositionCache) expired(entry CacheEntry) bool {
	return c.now().Sub(entry.CachedAt) >= c.ttl
}

func (c *PositionCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Debug("Swept expired positions", logger.Int("removed", removed))
			}
		case <-c.sweepStop:
			return
		}
	}
}
