package tracking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skyfleet/tracker/internal/catalog"
	"github.com/skyfleet/tracker/pkg/logger"
)

type fakeFetcher struct {
	mu      sync.Mutex
	batches [][]string
	fn      func(ids []string) ([]PositionRecord, error)
}

func (f *fakeFetcher) FetchPositions(ctx context.Context, ids []string) ([]PositionRecord, error) {
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ids)
	}
	return nil, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeCatalog struct {
	fleets map[string][]string
	meta   map[string]catalog.StaticMetadata
}

func (f *fakeCatalog) IcaosForManufacturer(manufacturer string) ([]string, error) {
	return f.fleets[strings.ToLower(manufacturer)], nil
}

func (f *fakeCatalog) Metadata(icao string) (catalog.StaticMetadata, bool) {
	m, ok := f.meta[icao]
	return m, ok
}

func (f *fakeCatalog) MetadataBatch(icaos []string) (map[string]catalog.StaticMetadata, error) {
	out := make(map[string]catalog.StaticMetadata)
	for _, id := range icaos {
		if m, ok := f.meta[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (f *fakeCatalog) Manufacturers() ([]string, error) {
	var names []string
	for name := range f.fleets {
		names = append(names, name)
	}
	return names, nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	fetcher     *fakeFetcher
	cache       *PositionCache
	trails      *TrailBuffer
	limiter     *PollingRateLimiter
}

func liveRecord(icao string) PositionRecord {
	return PositionRecord{
		ICAO:        icao,
		Latitude:    40.0,
		Longitude:   -75.0,
		Altitude:    35000,
		GroundSpeed: 450,
		Heading:     90,
		LastContact: time.Now().Unix(),
	}
}

func newCoordinatorFixture(t *testing.T, cat catalog.Catalog, fetcher *fakeFetcher) *coordinatorFixture {
	t.Helper()
	log := logger.NewNop()

	cache := NewPositionCache(30*time.Minute, 10*time.Second, time.Hour, log)
	t.Cleanup(cache.Destroy)

	trails, err := NewTrailBuffer(10, 100)
	if err != nil {
		t.Fatal(err)
	}

	// Poll interval pinned far out so background loops never fire mid-test.
	limiter := NewPollingRateLimiter(1000, time.Minute, 100000, time.Hour, time.Hour, time.Hour)

	coordinator := NewCoordinator(
		fetcher, cat, cache, trails,
		NewExtrapolator(5*time.Minute, 10, time.Second),
		NewDeduplicator(log),
		limiter, nil,
		CoordinatorOptions{MaxBatchSize: 100, DedupeWindow: 0, CleanupAfter: time.Hour},
		log,
	)
	t.Cleanup(coordinator.Destroy)

	return &coordinatorFixture{
		coordinator: coordinator,
		fetcher:     fetcher,
		cache:       cache,
		trails:      trails,
		limiter:     limiter,
	}
}

func twoAircraftCatalog() *fakeCatalog {
	return &fakeCatalog{
		fleets: map[string][]string{
			"cessna": {"abc123", "def456"},
		},
		meta: map[string]catalog.StaticMetadata{
			"abc123": {ICAO: "abc123", Manufacturer: "Cessna", Model: "172 Skyhawk", Registration: "N12345"},
			"def456": {ICAO: "def456", Manufacturer: "Cessna", Model: "182 Skylane", Registration: "N67890"},
		},
	}
}

func TestCoordinatorTrackManufacturer(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		var out []PositionRecord
		for _, id := range ids {
			out = append(out, liveRecord(id))
		}
		return out, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	var snapMu sync.Mutex
	var snapshots [][]MergedAircraft
	fx.coordinator.Subscribe(func(aircraft []MergedAircraft) {
		snapMu.Lock()
		snapshots = append(snapshots, aircraft)
		snapMu.Unlock()
	})

	if err := fx.coordinator.TrackManufacturer(context.Background(), "Cessna"); err != nil {
		t.Fatal(err)
	}

	t.Run("first poll runs synchronously", func(t *testing.T) {
		if fetcher.callCount() != 1 {
			t.Fatalf("fetch calls = %d, want 1", fetcher.callCount())
		}
	})

	t.Run("positions land in the cache and trails", func(t *testing.T) {
		for _, id := range []string{"abc123", "def456"} {
			if !fx.cache.Has(id) {
				t.Fatalf("%s missing from cache", id)
			}
			if len(fx.trails.Get(id)) != 1 {
				t.Fatalf("%s trail length = %d, want 1", id, len(fx.trails.Get(id)))
			}
		}
	})

	t.Run("subscribers receive a merged snapshot", func(t *testing.T) {
		snapMu.Lock()
		defer snapMu.Unlock()
		if len(snapshots) != 1 {
			t.Fatalf("snapshots = %d, want 1", len(snapshots))
		}
		aircraft := snapshots[0]
		if len(aircraft) != 2 {
			t.Fatalf("aircraft = %d, want 2", len(aircraft))
		}
		if aircraft[0].ICAO != "abc123" || aircraft[0].Model != "172 Skyhawk" {
			t.Fatalf("metadata not merged: %+v", aircraft[0])
		}
		if aircraft[0].Registration != "N12345" {
			t.Fatalf("registration not merged: %+v", aircraft[0])
		}
	})

	t.Run("second start re-runs the synchronous poll", func(t *testing.T) {
		snapMu.Lock()
		before := len(snapshots)
		snapMu.Unlock()

		if err := fx.coordinator.TrackManufacturer(context.Background(), "Cessna"); err != nil {
			t.Fatal(err)
		}

		snapMu.Lock()
		defer snapMu.Unlock()
		if len(snapshots) != before+1 {
			t.Fatalf("snapshots = %d, want %d (restart must poll before returning)",
				len(snapshots), before+1)
		}
	})

	t.Run("current manufacturer is reported", func(t *testing.T) {
		if got := fx.coordinator.CurrentManufacturer(); got != "Cessna" {
			t.Fatalf("CurrentManufacturer = %q", got)
		}
	})
}

func TestCoordinatorSupersede(t *testing.T) {
	cat := &fakeCatalog{
		fleets: map[string][]string{
			"cessna": {"abc123"},
			"piper":  {"ddd999"},
		},
		meta: map[string]catalog.StaticMetadata{},
	}
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		var out []PositionRecord
		for _, id := range ids {
			out = append(out, liveRecord(id))
		}
		return out, nil
	}}
	fx := newCoordinatorFixture(t, cat, fetcher)

	ctx := context.Background()
	if err := fx.coordinator.TrackManufacturer(ctx, "Cessna"); err != nil {
		t.Fatal(err)
	}
	if err := fx.coordinator.TrackManufacturer(ctx, "Piper"); err != nil {
		t.Fatal(err)
	}

	if got := fx.coordinator.CurrentManufacturer(); got != "Piper" {
		t.Fatalf("CurrentManufacturer = %q, want Piper", got)
	}

	// A poll cycle for the superseded manufacturer must not apply.
	fx.cache.Sweep()
	if err := fx.coordinator.ProcessManufacturer(ctx, "Cessna"); err == nil {
		// Allowed to succeed silently, but results are discarded: the cached
		// record for the superseded fleet must not be refreshed by it.
		_ = err
	}
}

func TestCoordinatorEmptyFleet(t *testing.T) {
	cat := &fakeCatalog{fleets: map[string][]string{}, meta: map[string]catalog.StaticMetadata{}}
	fetcher := &fakeFetcher{}
	fx := newCoordinatorFixture(t, cat, fetcher)

	var statuses []string
	fx.coordinator.SubscribeToStatus(func(msg string) { statuses = append(statuses, msg) })

	if err := fx.coordinator.TrackManufacturer(context.Background(), "Unknown Maker"); err != nil {
		t.Fatal(err)
	}

	if fetcher.callCount() != 0 {
		t.Fatal("fetched despite an empty fleet")
	}
	if len(statuses) != 1 || statuses[0] != "No aircraft available" {
		t.Fatalf("statuses = %v", statuses)
	}
	if got := fx.coordinator.CurrentManufacturer(); got != "" {
		t.Fatalf("empty fleet left tracking on: %q", got)
	}
}

func TestCoordinatorRateLimited(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		t.Fatal("fetcher must not be called when the limiter denies")
		return nil, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	// Exhaust the interval window.
	for fx.limiter.TryAcquire() {
	}

	var statuses []string
	fx.coordinator.SubscribeToStatus(func(msg string) { statuses = append(statuses, msg) })
	snapshots := 0
	fx.coordinator.Subscribe(func([]MergedAircraft) { snapshots++ })

	err := fx.coordinator.TrackManufacturer(context.Background(), "Cessna")
	if _, ok := IsRateLimit(err); !ok {
		t.Fatalf("error = %v, want RateLimitError", err)
	}

	if len(statuses) != 1 || !strings.HasPrefix(statuses[0], "Rate limited, retry after ") {
		t.Fatalf("statuses = %v", statuses)
	}
	if !strings.HasSuffix(statuses[0], "s") {
		t.Fatalf("status lacks seconds suffix: %q", statuses[0])
	}
	if snapshots != 0 {
		t.Fatal("failure leaked into the snapshot stream")
	}
}

func TestCoordinatorBatching(t *testing.T) {
	ids := make([]string, 0, 250)
	meta := make(map[string]catalog.StaticMetadata)
	for i := 0; i < 250; i++ {
		id := fmt.Sprintf("ac%04d", i)
		ids = append(ids, id)
		meta[id] = catalog.StaticMetadata{ICAO: id}
	}
	cat := &fakeCatalog{fleets: map[string][]string{"bulk": ids}, meta: meta}

	fetcher := &fakeFetcher{fn: func(batch []string) ([]PositionRecord, error) {
		return nil, nil
	}}
	fx := newCoordinatorFixture(t, cat, fetcher)

	if err := fx.coordinator.TrackManufacturer(context.Background(), "Bulk"); err != nil {
		t.Fatal(err)
	}

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(fetcher.batches))
	}
	if len(fetcher.batches[0]) != 100 || len(fetcher.batches[1]) != 100 || len(fetcher.batches[2]) != 50 {
		t.Fatalf("batch sizes = %d/%d/%d, want 100/100/50",
			len(fetcher.batches[0]), len(fetcher.batches[1]), len(fetcher.batches[2]))
	}
}

func TestCoordinatorFreshBatchServedFromCache(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		var out []PositionRecord
		for _, id := range ids {
			out = append(out, liveRecord(id))
		}
		return out, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	ctx := context.Background()
	if err := fx.coordinator.TrackManufacturer(ctx, "Cessna"); err != nil {
		t.Fatal(err)
	}
	if err := fx.coordinator.ProcessManufacturer(ctx, "Cessna"); err != nil {
		t.Fatal(err)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("fetch calls = %d, want 1 (fresh batch must be served from cache)", fetcher.callCount())
	}
}

func TestCoordinatorUncachedIDForcesFetch(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		// def456 never reports a position.
		return []PositionRecord{liveRecord("abc123")}, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	ctx := context.Background()
	if err := fx.coordinator.TrackManufacturer(ctx, "Cessna"); err != nil {
		t.Fatal(err)
	}

	// abc123 is cached and fresh, but def456 has never been observed; the
	// next cycle must still go upstream rather than wait out the freshness
	// horizon for the pending id.
	if err := fx.coordinator.ProcessManufacturer(ctx, "Cessna"); err != nil {
		t.Fatal(err)
	}
	if fetcher.callCount() != 2 {
		t.Fatalf("fetch calls = %d, want 2 (uncached id must force a fetch)", fetcher.callCount())
	}
}

func TestCoordinatorExtrapolatesAtReadTime(t *testing.T) {
	fetcher := &fakeFetcher{}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	stale := liveRecord("abc123")
	stale.LastContact = time.Now().Add(-60 * time.Second).Unix()
	fx.cache.Set("abc123", stale)

	fx.coordinator.mu.Lock()
	fx.coordinator.states["cessna"] = &manufacturerState{
		name:       "cessna",
		icaos:      []string{"abc123"},
		active:     map[string]struct{}{"abc123": {}},
		isTracking: true,
		stopCh:     make(chan struct{}),
	}
	fx.coordinator.mu.Unlock()

	merged, err := fx.coordinator.ExtendedAircraft("")
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 1 {
		t.Fatalf("merged = %d, want 1", len(merged))
	}

	t.Run("published position is projected", func(t *testing.T) {
		pos := merged[0].Position
		if !pos.Extrapolated {
			t.Fatal("stale position not extrapolated")
		}
		if pos.Longitude <= stale.Longitude {
			t.Fatal("eastbound projection did not advance")
		}
	})

	t.Run("cache keeps the observed position", func(t *testing.T) {
		cached, ok := fx.cache.Get("abc123")
		if !ok {
			t.Fatal("cache entry vanished")
		}
		if cached.Extrapolated {
			t.Fatal("projection written back to the cache")
		}
		if cached.Longitude != stale.Longitude {
			t.Fatal("cached position mutated")
		}
	})

	t.Run("model filter applies", func(t *testing.T) {
		none, err := fx.coordinator.ExtendedAircraft("Skylane")
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Fatalf("filter leaked %d aircraft", len(none))
		}
		some, err := fx.coordinator.ExtendedAircraft("skyhawk")
		if err != nil {
			t.Fatal(err)
		}
		if len(some) != 1 {
			t.Fatalf("case-insensitive filter missed: %d", len(some))
		}
	})
}

func TestCoordinatorPublishesFreshRecordsAsObserved(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		return []PositionRecord{liveRecord("abc123")}, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	var snapMu sync.Mutex
	var last []MergedAircraft
	fx.coordinator.Subscribe(func(aircraft []MergedAircraft) {
		snapMu.Lock()
		last = aircraft
		snapMu.Unlock()
	})

	if err := fx.coordinator.TrackManufacturer(context.Background(), "Cessna"); err != nil {
		t.Fatal(err)
	}

	snapMu.Lock()
	defer snapMu.Unlock()
	if len(last) != 1 {
		t.Fatalf("snapshot aircraft = %d, want 1", len(last))
	}
	// A position observed moments ago is still within the freshness horizon
	// and must publish exactly as fetched, not dead-reckoned.
	if last[0].Position.Extrapolated {
		t.Fatal("just-fetched position published as extrapolated")
	}
}

func TestCoordinatorModelStats(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		// Only one of the two airframes is airborne.
		return []PositionRecord{liveRecord("abc123")}, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	if err := fx.coordinator.TrackManufacturer(context.Background(), "Cessna"); err != nil {
		t.Fatal(err)
	}

	stats, err := fx.coordinator.ModelStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalActive != 1 {
		t.Fatalf("TotalActive = %d, want 1", stats.TotalActive)
	}
	if len(stats.Models) != 2 {
		t.Fatalf("models = %d, want 2", len(stats.Models))
	}
	if stats.Models[0].Model != "172 Skyhawk" || stats.Models[0].Active != 1 {
		t.Fatalf("active model not first: %+v", stats.Models[0])
	}
}

func TestCoordinatorRefreshPositionsOnly(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		// def456 never reports a position.
		return []PositionRecord{liveRecord("abc123")}, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	if err := fx.coordinator.TrackManufacturer(context.Background(), "Cessna"); err != nil {
		t.Fatal(err)
	}

	// Age the cached position past the freshness horizon so the refresh
	// actually hits the fetcher instead of the cache.
	fx.cache.now = func() time.Time { return time.Now().Add(30 * time.Second) }

	if err := fx.coordinator.RefreshPositionsOnly(context.Background()); err != nil {
		t.Fatal(err)
	}

	fetcher.mu.Lock()
	last := fetcher.batches[len(fetcher.batches)-1]
	fetcher.mu.Unlock()
	if len(last) != 1 || last[0] != "abc123" {
		t.Fatalf("refresh polled %v, want only the active aircraft", last)
	}
}

func TestCoordinatorRefreshSpecificAircraft(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		var out []PositionRecord
		for _, id := range ids {
			out = append(out, liveRecord(id))
		}
		return out, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	if err := fx.coordinator.RefreshSpecificAircraft(context.Background(), []string{" DEF456 "}); err != nil {
		t.Fatal(err)
	}
	if !fx.cache.Has("def456") {
		t.Fatal("refreshed aircraft missing from cache (ids must normalize)")
	}

	if err := fx.coordinator.RefreshSpecificAircraft(context.Background(), nil); err == nil {
		t.Fatal("empty id list must error")
	}
}

func TestCoordinatorCleanup(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ids []string) ([]PositionRecord, error) {
		var out []PositionRecord
		for _, id := range ids {
			out = append(out, liveRecord(id))
		}
		return out, nil
	}}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	ctx := context.Background()
	if err := fx.coordinator.TrackManufacturer(ctx, "Cessna"); err != nil {
		t.Fatal(err)
	}

	t.Run("active manufacturers survive cleanup", func(t *testing.T) {
		if fx.coordinator.CleanupManufacturer("Cessna", 0) {
			t.Fatal("purged active manufacturer")
		}
	})

	t.Run("stopped idle manufacturers are purged", func(t *testing.T) {
		fx.coordinator.StopTracking("Cessna")
		time.Sleep(10 * time.Millisecond)

		purged := fx.coordinator.CleanupIdle(time.Millisecond)
		if len(purged) != 1 || purged[0] != "Cessna" {
			t.Fatalf("purged = %v, want [Cessna]", purged)
		}
		if got := fx.trails.Get("abc123"); got != nil {
			t.Fatal("trails survived cleanup")
		}
		if fx.coordinator.CleanupManufacturer("Cessna", time.Millisecond) {
			t.Fatal("purge of an unknown manufacturer reported success")
		}
	})
}

func TestCoordinatorIngest(t *testing.T) {
	fetcher := &fakeFetcher{}
	fx := newCoordinatorFixture(t, twoAircraftCatalog(), fetcher)

	var snapMu sync.Mutex
	snapshots := 0
	fx.coordinator.Subscribe(func([]MergedAircraft) {
		snapMu.Lock()
		snapshots++
		snapMu.Unlock()
	})

	fx.coordinator.Ingest([]PositionRecord{liveRecord("abc123")})

	if !fx.cache.Has("abc123") {
		t.Fatal("ingested record missing from cache")
	}
	snapMu.Lock()
	defer snapMu.Unlock()
	if snapshots != 1 {
		t.Fatalf("snapshots = %d, want 1", snapshots)
	}
}
