package tracking

import (
	"testing"
	"time"

	"github.com/skyfleet/tracker/pkg/logger"
)

func newTestCache(t *testing.T, ttl, freshness time.Duration) (*PositionCache, *time.Time) {
	t.Helper()
	c := NewPositionCache(ttl, freshness, time.Hour, logger.NewNop())
	t.Cleanup(c.Destroy)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestPositionCacheTTL(t *testing.T) {
	c, now := newTestCache(t, 30*time.Minute, 10*time.Second)

	record := PositionRecord{ICAO: "abc123", Latitude: 40, Longitude: -75, LastContact: now.Unix()}
	c.Set("abc123", record)

	t.Run("returns entries within the TTL", func(t *testing.T) {
		got, ok := c.Get("abc123")
		if !ok {
			t.Fatal("entry missing")
		}
		if got.ICAO != "abc123" {
			t.Fatalf("got %q", got.ICAO)
		}
	})

	t.Run("just below the TTL still present", func(t *testing.T) {
		*now = now.Add(30*time.Minute - time.Second)
		if !c.Has("abc123") {
			t.Fatal("entry expired early")
		}
	})

	t.Run("at the TTL boundary treated as absent", func(t *testing.T) {
		*now = now.Add(time.Second)
		if c.Has("abc123") {
			t.Fatal("entry survived the TTL")
		}
		if _, ok := c.Get("abc123"); ok {
			t.Fatal("Get returned an expired entry")
		}
	})

	t.Run("sweep removes expired entries", func(t *testing.T) {
		if removed := c.Sweep(); removed != 1 {
			t.Fatalf("Sweep removed %d, want 1", removed)
		}
		if c.Len() != 0 {
			t.Fatalf("Len = %d after sweep, want 0", c.Len())
		}
	})
}

func TestPositionCacheFreshness(t *testing.T) {
	c, now := newTestCache(t, 30*time.Minute, 10*time.Second)

	c.Set("abc123", PositionRecord{ICAO: "abc123", LastContact: now.Unix()})

	t.Run("fresh right after insert", func(t *testing.T) {
		if !c.IsFresh("abc123") {
			t.Fatal("entry not fresh immediately after Set")
		}
	})

	t.Run("stale past the freshness horizon but still cached", func(t *testing.T) {
		*now = now.Add(11 * time.Second)
		if c.IsFresh("abc123") {
			t.Fatal("entry still fresh past horizon")
		}
		if !c.Has("abc123") {
			t.Fatal("stale-but-valid entry should remain cached")
		}
	})

	t.Run("unknown ids are not fresh", func(t *testing.T) {
		if c.IsFresh("nosuch") {
			t.Fatal("missing entry reported fresh")
		}
	})
}

func TestPositionCacheOverwrite(t *testing.T) {
	c, now := newTestCache(t, 30*time.Minute, 10*time.Second)

	c.Set("abc123", PositionRecord{ICAO: "abc123", Latitude: 40})
	*now = now.Add(20 * time.Minute)
	c.Set("abc123", PositionRecord{ICAO: "abc123", Latitude: 41})

	// Overwrite resets the entry's age.
	*now = now.Add(20 * time.Minute)
	got, ok := c.Get("abc123")
	if !ok {
		t.Fatal("refreshed entry expired")
	}
	if got.Latitude != 41 {
		t.Fatalf("Latitude = %v, want 41", got.Latitude)
	}
}
