package tracking

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skyfleet/tracker/pkg/logger"
)

// FetchFunc produces a batch of position records for a deduplicated key.
type FetchFunc func(ctx context.Context) ([]PositionRecord, error)

// Deduplicator collapses concurrent identical fetches into a single upstream
// call and keeps successful results around for a short window so back-to-back
// callers reuse them instead of re-fetching. Failed fetches are evicted
// immediately so the next caller retries fresh.
//
// This is the single point protecting the upstream API from duplicate
// simultaneous requests for the same id batch.
type Deduplicator struct {
	group  singleflight.Group
	logger *logger.Logger

	mu     sync.Mutex
	cached map[string]cachedResult

	now func() time.Time
}

type cachedResult struct {
	records []PositionRecord
	expires time.Time
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator(loggerObj *logger.Logger) *Deduplicator {
	return &Deduplicator{
		logger: loggerObj.Named("dedupe"),
		cached: make(map[string]cachedResult),
		now:    time.Now,
	}
}

// Fetch returns the result for key, invoking fn at most once across all
// concurrent callers. A successful result is reusable for window; zero
// disables the post-completion cache.
func (d *Deduplicator) Fetch(ctx context.Context, key string, window time.Duration, fn FetchFunc) ([]PositionRecord, error) {
	if records, ok := d.cachedFor(key); ok {
		d.logger.Debug("Reusing recently fetched result", logger.String("key", key))
		return records, nil
	}

	result, err, shared := d.group.Do(key, func() (interface{}, error) {
		records, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if window > 0 {
			d.store(key, records, window)
		}
		return records, nil
	})
	if err != nil {
		// Failed fetches must not linger; the next caller retries fresh.
		d.evict(key)
		return nil, err
	}

	if shared {
		d.logger.Debug("Collapsed duplicate in-flight request", logger.String("key", key))
	}
	return result.([]PositionRecord), nil
}

// Evict drops any cached result for key.
func (d *Deduplicator) Evict(key string) {
	d.evict(key)
}

func (d *Deduplicator) cachedFor(key string) ([]PositionRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.cached[key]
	if !ok {
		return nil, false
	}
	if d.now().After(entry.expires) {
		delete(d.cached, key)
		return nil, false
	}
	return entry.records, true
}

func (d *Deduplicator) store(key string, records []PositionRecord, window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached[key] = cachedResult{records: records, expires: d.now().Add(window)}
}

func (d *Deduplicator) evict(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cached, key)
}
