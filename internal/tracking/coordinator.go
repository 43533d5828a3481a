package tracking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skyfleet/tracker/internal/catalog"
	"github.com/skyfleet/tracker/internal/geo"
	"github.com/skyfleet/tracker/internal/observability"
	"github.com/skyfleet/tracker/pkg/logger"
)

// Fetcher produces position records for a set of transponder ids.
type Fetcher interface {
	FetchPositions(ctx context.Context, ids []string) ([]PositionRecord, error)
}

// CoordinatorOptions bundles the tuning knobs for a Coordinator.
type CoordinatorOptions struct {
	MaxBatchSize    int
	DedupeWindow    time.Duration
	CleanupAfter    time.Duration
	MaxPollInterval time.Duration
}

// Coordinator owns the per-manufacturer tracking lifecycle: resolving ids
// from the catalog, polling positions within the request budget, applying
// updates to the cache and trails, and fanning merged snapshots out to
// subscribers. One manufacturer is tracked at a time; starting a new one
// supersedes the old via a generation counter so a superseded poll can never
// apply stale results.
type Coordinator struct {
	fetcher      Fetcher
	catalog      catalog.Catalog
	cache        *PositionCache
	trails       *TrailBuffer
	extrapolator *Extrapolator
	dedupe       *Deduplicator
	limiter      *PollingRateLimiter
	feed         *Feed // nil when no upstream stream is configured
	opts         CoordinatorOptions
	logger       *logger.Logger

	generation atomic.Uint64
	loading    atomic.Bool

	mu     sync.Mutex
	states map[string]*manufacturerState

	subMu      sync.Mutex
	nextSubID  int
	snapSubs   map[int]func([]MergedAircraft)
	statusSubs map[int]func(string)
}

// manufacturerState is the tracking record for one manufacturer.
type manufacturerState struct {
	name       string
	icaos      []string
	active     map[string]struct{}
	lastUpdate time.Time
	isTracking bool
	generation uint64
	stopCh     chan struct{}
}

// NewCoordinator wires the tracking core together. feed may be nil.
func NewCoordinator(
	fetcher Fetcher,
	cat catalog.Catalog,
	cache *PositionCache,
	trails *TrailBuffer,
	extrapolator *Extrapolator,
	dedupe *Deduplicator,
	limiter *PollingRateLimiter,
	feed *Feed,
	opts CoordinatorOptions,
	loggerObj *logger.Logger,
) *Coordinator {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	return &Coordinator{
		fetcher:      fetcher,
		catalog:      cat,
		cache:        cache,
		trails:       trails,
		extrapolator: extrapolator,
		dedupe:       dedupe,
		limiter:      limiter,
		feed:         feed,
		opts:         opts,
		logger:       loggerObj.Named("coordinator"),
		states:       make(map[string]*manufacturerState),
		snapSubs:     make(map[int]func([]MergedAircraft)),
		statusSubs:   make(map[int]func(string)),
	}
}

// AttachFeed wires an upstream stream into the coordinator after
// construction. The feed's intake must already point at this coordinator.
// Must be called before tracking starts.
func (c *Coordinator) AttachFeed(feed *Feed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feed = feed
}

// TrackManufacturer begins tracking a manufacturer's aircraft. Calling it
// again for the manufacturer already being tracked stops the prior loop and
// starts over, so the caller always gets an immediate synchronous poll.
// Tracking a different manufacturer supersedes the current one. Subsequent
// polls run on the adaptive interval in the background.
func (c *Coordinator) TrackManufacturer(ctx context.Context, manufacturer string) error {
	manufacturer = strings.TrimSpace(manufacturer)
	if manufacturer == "" {
		return fmt.Errorf("manufacturer must not be empty")
	}

	c.mu.Lock()
	// Supersede whatever was tracked before. A restart of the same
	// manufacturer keeps its feed subscription; the id set is unchanged.
	gen := c.generation.Add(1)
	for _, prior := range c.states {
		if prior.isTracking {
			close(prior.stopCh)
			prior.isTracking = false
			if prior.name != manufacturer {
				c.unsubscribeFeed(prior)
			}
		}
	}

	state := &manufacturerState{
		name:       manufacturer,
		active:     make(map[string]struct{}),
		isTracking: true,
		generation: gen,
		stopCh:     make(chan struct{}),
	}
	c.states[manufacturer] = state
	c.mu.Unlock()

	c.logger.Info("Tracking manufacturer",
		logger.String("manufacturer", manufacturer),
		logger.Int("generation", int(gen)))

	icaos, err := c.catalog.IcaosForManufacturer(manufacturer)
	if err != nil {
		c.abandon(state)
		return fmt.Errorf("failed to resolve manufacturer ids: %w", err)
	}
	if len(icaos) == 0 {
		c.abandon(state)
		c.publishStatus("No aircraft available")
		return nil
	}

	c.mu.Lock()
	state.icaos = icaos
	c.mu.Unlock()

	if c.feed != nil {
		c.feed.Subscribe(icaos)
	}

	c.loading.Store(true)
	err = c.ProcessManufacturer(ctx, manufacturer)
	c.loading.Store(false)
	if err != nil {
		// The poll loop keeps trying; rate-limit and transient errors are
		// already surfaced through the status stream.
		c.logger.Warn("Initial poll failed",
			logger.String("manufacturer", manufacturer),
			logger.Error(err))
	}

	go c.pollLoop(ctx, state)
	return err
}

// StopTracking halts polling for the manufacturer. Cached positions and
// trails survive until their own eviction horizons.
func (c *Coordinator) StopTracking(manufacturer string) {
	c.mu.Lock()
	state, ok := c.states[manufacturer]
	if !ok || !state.isTracking {
		c.mu.Unlock()
		return
	}
	close(state.stopCh)
	state.isTracking = false
	c.unsubscribeFeed(state)
	c.mu.Unlock()

	c.logger.Info("Stopped tracking manufacturer", logger.String("manufacturer", manufacturer))
}

// StopAll halts polling for every tracked manufacturer.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	var names []string
	for name, state := range c.states {
		if state.isTracking {
			names = append(names, name)
		}
	}
	c.mu.Unlock()

	for _, name := range names {
		c.StopTracking(name)
	}
}

// IsLoading reports whether an initial synchronous poll is in flight.
func (c *Coordinator) IsLoading() bool {
	return c.loading.Load()
}

// CurrentManufacturer returns the manufacturer being tracked, or "".
func (c *Coordinator) CurrentManufacturer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, state := range c.states {
		if state.isTracking {
			return name
		}
	}
	return ""
}

// ProcessManufacturer runs one poll cycle for the manufacturer: fetch
// positions for its ids in batches, apply updates, and publish a snapshot.
// Results from a superseded generation are discarded without applying.
func (c *Coordinator) ProcessManufacturer(ctx context.Context, manufacturer string) error {
	c.mu.Lock()
	state, ok := c.states[manufacturer]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("manufacturer %q is not tracked", manufacturer)
	}
	icaos := state.icaos
	gen := state.generation
	c.mu.Unlock()

	if len(icaos) == 0 {
		c.publishStatus("No aircraft available")
		observability.PollCycles.WithLabelValues("empty").Inc()
		return nil
	}

	records, err := c.fetchAll(ctx, icaos)
	if err != nil {
		observability.PollCycles.WithLabelValues("error").Inc()
		c.limiter.IncreasePollingInterval()
		c.reportFailure(err)
		return err
	}

	if c.generation.Load() != gen {
		c.logger.Debug("Discarding superseded poll results",
			logger.String("manufacturer", manufacturer))
		return nil
	}

	c.applyRecords(state, records)
	c.limiter.DecreasePollingInterval()
	observability.PollCycles.WithLabelValues("success").Inc()

	c.publishSnapshot()
	return nil
}

// RefreshNow forces an immediate poll cycle for the tracked manufacturer.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	manufacturer := c.CurrentManufacturer()
	if manufacturer == "" {
		return fmt.Errorf("no manufacturer is being tracked")
	}
	return c.ProcessManufacturer(ctx, manufacturer)
}

// RefreshPositionsOnly re-polls only the aircraft that have reported a
// position before, skipping the ids that have never shown up. Cheaper than a
// full cycle for large fleets with few airborne airframes.
func (c *Coordinator) RefreshPositionsOnly(ctx context.Context) error {
	c.mu.Lock()
	var state *manufacturerState
	for _, s := range c.states {
		if s.isTracking {
			state = s
			break
		}
	}
	if state == nil {
		c.mu.Unlock()
		return fmt.Errorf("no manufacturer is being tracked")
	}
	gen := state.generation
	ids := make([]string, 0, len(state.active))
	for id := range state.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	if len(ids) == 0 {
		c.publishStatus("No aircraft available")
		return nil
	}

	records, err := c.fetchAll(ctx, ids)
	if err != nil {
		c.reportFailure(err)
		return err
	}
	if c.generation.Load() != gen {
		return nil
	}

	c.applyRecords(state, records)
	c.publishSnapshot()
	return nil
}

// RefreshSpecificAircraft fetches current positions for the given ids only,
// regardless of which manufacturer is tracked.
func (c *Coordinator) RefreshSpecificAircraft(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("no aircraft ids given")
	}

	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			normalized = append(normalized, id)
		}
	}
	sort.Strings(normalized)

	records, err := c.fetchAll(ctx, normalized)
	if err != nil {
		c.reportFailure(err)
		return err
	}

	c.mu.Lock()
	var state *manufacturerState
	for _, s := range c.states {
		if s.isTracking {
			state = s
			break
		}
	}
	c.mu.Unlock()

	c.applyRecords(state, records)
	c.publishSnapshot()
	return nil
}

// Ingest applies records pushed by the upstream stream. Implements Intake.
func (c *Coordinator) Ingest(records []PositionRecord) {
	c.mu.Lock()
	var state *manufacturerState
	for _, s := range c.states {
		if s.isTracking {
			state = s
			break
		}
	}
	c.mu.Unlock()

	c.applyRecords(state, records)
	c.publishSnapshot()
}

// CleanupManufacturer purges the manufacturer's tracking state when it has
// been idle for longer than olderThan, clearing the trails of its aircraft.
// An actively tracked manufacturer is never purged. Reports whether a purge
// happened.
func (c *Coordinator) CleanupManufacturer(manufacturer string, olderThan time.Duration) bool {
	cutoff := time.Now().Add(-olderThan)

	c.mu.Lock()
	state, ok := c.states[manufacturer]
	if !ok || state.isTracking || state.lastUpdate.After(cutoff) {
		c.mu.Unlock()
		return false
	}
	for _, id := range state.icaos {
		c.trails.Clear(id)
	}
	delete(c.states, manufacturer)
	c.mu.Unlock()

	c.logger.Info("Purged idle manufacturer state", logger.String("manufacturer", manufacturer))
	return true
}

// CleanupIdle runs CleanupManufacturer over every known manufacturer and
// returns the purged names.
func (c *Coordinator) CleanupIdle(olderThan time.Duration) []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.states))
	for name := range c.states {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	var purged []string
	for _, name := range names {
		if c.CleanupManufacturer(name, olderThan) {
			purged = append(purged, name)
		}
	}
	return purged
}

// Destroy stops all polling and owned resources. The coordinator must not be
// used afterwards.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	for _, state := range c.states {
		if state.isTracking {
			close(state.stopCh)
			state.isTracking = false
		}
	}
	c.mu.Unlock()

	if c.feed != nil {
		c.feed.Stop()
	}
	c.cache.Destroy()
	c.logger.Info("Coordinator destroyed")
}

// Subscribe registers a callback invoked with each published snapshot.
// Returns an unsubscribe function. Callbacks only ever see successful
// snapshots; failures surface on the status stream instead.
func (c *Coordinator) Subscribe(fn func([]MergedAircraft)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.snapSubs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.snapSubs, id)
		c.subMu.Unlock()
	}
}

// SubscribeToStatus registers a callback for human-readable status messages,
// the only user-facing error surface of the tracking core.
func (c *Coordinator) SubscribeToStatus(fn func(string)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.statusSubs, id)
		c.subMu.Unlock()
	}
}

// ExtendedAircraft returns the current merged view of tracked aircraft,
// optionally filtered by model substring (case-insensitive). Positions whose
// last observation is older than the freshness horizon but within the
// extrapolation horizon are dead-reckoned at read time; fresh observations
// publish as-is and projected records are never written back to the cache.
func (c *Coordinator) ExtendedAircraft(modelFilter string) ([]MergedAircraft, error) {
	c.mu.Lock()
	var state *manufacturerState
	for _, s := range c.states {
		if s.isTracking {
			state = s
			break
		}
	}
	var icaos []string
	if state != nil {
		icaos = append(icaos, state.icaos...)
	}
	c.mu.Unlock()

	now := time.Now()
	var withPosition []string
	positions := make(map[string]PositionRecord, len(icaos))
	for _, id := range icaos {
		record, ok := c.cache.Get(id)
		if !ok {
			continue
		}
		if record.Age(now) > c.cache.Freshness() {
			if projected, ok := c.extrapolator.Extrapolate(record, now); ok {
				record = projected
			}
		}
		positions[id] = record
		withPosition = append(withPosition, id)
	}

	metadata, err := c.catalog.MetadataBatch(withPosition)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog metadata: %w", err)
	}

	filter := strings.ToLower(strings.TrimSpace(modelFilter))
	merged := make([]MergedAircraft, 0, len(withPosition))
	for _, id := range withPosition {
		record := positions[id]
		aircraft := MergedAircraft{
			ICAO:     id,
			Position: record,
			Trail:    c.trails.Get(id),
		}
		if meta, ok := metadata[id]; ok {
			aircraft.mergeMetadata(meta)
		}
		if filter != "" && !strings.Contains(strings.ToLower(aircraft.Model), filter) {
			continue
		}
		aircraft.MagneticDeclination = geo.MagneticVariation(record.Latitude, record.Longitude, record.Altitude, now)
		merged = append(merged, aircraft)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].ICAO < merged[j].ICAO })
	return merged, nil
}

// ModelStats summarizes the tracked fleet grouped by model: how many
// airframes the catalog knows per model and how many currently have a live
// position.
func (c *Coordinator) ModelStats() (ModelStats, error) {
	c.mu.Lock()
	var state *manufacturerState
	for _, s := range c.states {
		if s.isTracking {
			state = s
			break
		}
	}
	var icaos []string
	if state != nil {
		icaos = append(icaos, state.icaos...)
	}
	c.mu.Unlock()

	metadata, err := c.catalog.MetadataBatch(icaos)
	if err != nil {
		return ModelStats{}, fmt.Errorf("failed to load catalog metadata: %w", err)
	}

	counts := make(map[string]*ModelCount)
	totalActive := 0
	for _, id := range icaos {
		model := "Unknown"
		if meta, ok := metadata[id]; ok && meta.Model != "" {
			model = meta.Model
		}
		mc, ok := counts[model]
		if !ok {
			mc = &ModelCount{Model: model}
			counts[model] = mc
		}
		mc.Total++
		if c.cache.Has(id) {
			mc.Active++
			totalActive++
		}
	}

	stats := ModelStats{TotalActive: totalActive}
	for _, mc := range counts {
		stats.Models = append(stats.Models, *mc)
	}
	sort.Slice(stats.Models, func(i, j int) bool {
		if stats.Models[i].Active != stats.Models[j].Active {
			return stats.Models[i].Active > stats.Models[j].Active
		}
		return stats.Models[i].Model < stats.Models[j].Model
	})
	return stats, nil
}

// pollLoop polls the manufacturer on the adaptive interval until stopped.
// While the upstream stream is active, polling drops to the slow safety-net
// interval since the stream delivers updates in between.
func (c *Coordinator) pollLoop(ctx context.Context, state *manufacturerState) {
	for {
		interval := c.limiter.CurrentPollingInterval()
		if c.feed != nil && c.feed.Active() && c.opts.MaxPollInterval > 0 {
			interval = c.opts.MaxPollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-state.stopCh:
			return
		case <-time.After(interval):
		}

		if c.generation.Load() != state.generation {
			return
		}
		if err := c.ProcessManufacturer(ctx, state.name); err != nil {
			c.logger.Debug("Poll cycle failed",
				logger.String("manufacturer", state.name),
				logger.Error(err))
		}
	}
}

// fetchAll fetches positions for ids in batches of at most MaxBatchSize.
// Batches whose every id is still fresh in the cache are served from it
// without an upstream request. A local limiter denial aborts the cycle with a
// rate-limit error; the caller backs off rather than retrying immediately.
func (c *Coordinator) fetchAll(ctx context.Context, ids []string) ([]PositionRecord, error) {
	var all []PositionRecord
	for start := 0; start < len(ids); start += c.opts.MaxBatchSize {
		end := start + c.opts.MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		if cached, ok := c.freshBatch(batch); ok {
			all = append(all, cached...)
			continue
		}

		if !c.limiter.TryAcquire() {
			observability.LimiterDenials.Inc()
			return nil, &RateLimitError{RetryAfter: c.limiter.TimeUntilNextSlot()}
		}

		key := "positions:" + strings.Join(batch, ",")
		records, err := c.dedupe.Fetch(ctx, key, c.opts.DedupeWindow, func(ctx context.Context) ([]PositionRecord, error) {
			return c.fetcher.FetchPositions(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// freshBatch returns the cached records for batch when every id has a cache
// entry still fresh enough to skip a re-poll. An id with no entry forces the
// fetch; a pending aircraft's first observation must not wait out the
// freshness horizon.
func (c *Coordinator) freshBatch(batch []string) ([]PositionRecord, bool) {
	cached := make([]PositionRecord, 0, len(batch))
	for _, id := range batch {
		record, ok := c.cache.Get(id)
		if !ok || !c.cache.IsFresh(id) {
			return nil, false
		}
		cached = append(cached, record)
	}
	if len(cached) == 0 {
		return nil, false
	}
	return cached, true
}

// applyRecords writes fetched records into the cache and trails, gated by
// the churn threshold. state may be nil for ad hoc refreshes.
func (c *Coordinator) applyRecords(state *manufacturerState, records []PositionRecord) {
	now := time.Now()
	applied := 0
	for _, record := range records {
		if record.Extrapolated {
			// Projected positions are display-only.
			continue
		}

		if current, ok := c.cache.Get(record.ICAO); ok {
			if !c.extrapolator.ShouldUpdate(current, record) {
				continue
			}
		}

		c.cache.Set(record.ICAO, record)
		c.trails.Append(record.ICAO, TrailPoint{
			Lat:       record.Latitude,
			Lon:       record.Longitude,
			Altitude:  record.Altitude,
			Timestamp: time.Unix(record.LastContact, 0),
		})
		applied++

		if state != nil {
			c.mu.Lock()
			state.active[record.ICAO] = struct{}{}
			c.mu.Unlock()
		}
	}

	if state != nil {
		c.mu.Lock()
		state.lastUpdate = now
		c.mu.Unlock()
	}

	c.logger.Debug("Applied position records",
		logger.Int("received", len(records)),
		logger.Int("applied", applied))
}

// publishSnapshot pushes the merged view to snapshot subscribers.
func (c *Coordinator) publishSnapshot() {
	merged, err := c.ExtendedAircraft("")
	if err != nil {
		c.logger.Error("Failed to build snapshot", logger.Error(err))
		return
	}

	c.subMu.Lock()
	subs := make([]func([]MergedAircraft), 0, len(c.snapSubs))
	for _, fn := range c.snapSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(merged)
	}
}

// publishStatus pushes a status line to status subscribers.
func (c *Coordinator) publishStatus(status string) {
	c.logger.Info("Status", logger.String("message", status))

	c.subMu.Lock()
	subs := make([]func(string), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

// reportFailure translates a fetch error into the status stream. Subscribers
// never see failed snapshots; this is the only user-facing error surface.
func (c *Coordinator) reportFailure(err error) {
	if rle, ok := IsRateLimit(err); ok {
		secs := int(rle.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		c.publishStatus(fmt.Sprintf("Rate limited, retry after %ds", secs))
		return
	}
	if IsAuthentication(err) {
		c.publishStatus("Upstream authentication failed, check credentials")
		return
	}
	c.publishStatus("Position update failed, retrying")
}

// abandon marks a freshly created state as not tracking after a failed start.
func (c *Coordinator) abandon(state *manufacturerState) {
	c.mu.Lock()
	state.isTracking = false
	close(state.stopCh)
	c.mu.Unlock()
}

// unsubscribeFeed removes the state's ids from the upstream stream. Caller
// holds c.mu.
func (c *Coordinator) unsubscribeFeed(state *manufacturerState) {
	if c.feed == nil || len(state.icaos) == 0 {
		return
	}
	icaos := state.icaos
	go c.feed.Unsubscribe(icaos)
}
