package tracking

import (
	"time"

	"github.com/skyfleet/tracker/internal/geo"
)

// Extrapolator projects an aircraft's position forward from its last known
// state by dead reckoning, bounded by a maximum horizon beyond which
// estimates are refused as unreliable.
type Extrapolator struct {
	horizon      time.Duration
	minDistanceM float64
	minInterval  time.Duration
}

// NewExtrapolator creates an extrapolator. horizon bounds how old an
// observation may be and still be projected; minDistanceM/minInterval feed
// the ShouldUpdate churn throttle.
func NewExtrapolator(horizon time.Duration, minDistanceM float64, minInterval time.Duration) *Extrapolator {
	return &Extrapolator{
		horizon:      horizon,
		minDistanceM: minDistanceM,
		minInterval:  minInterval,
	}
}

// Extrapolate projects record to now along its heading at its last ground
// speed. Returns false when the aircraft is on the ground, velocity or
// heading are missing, or the observation is older than the horizon.
// Altitude is carried forward unchanged; the result is marked Extrapolated
// and is never written back to the cache.
func (e *Extrapolator) Extrapolate(record PositionRecord, now time.Time) (PositionRecord, bool) {
	if record.OnGround {
		return PositionRecord{}, false
	}
	if !record.HasVelocity() {
		return PositionRecord{}, false
	}

	elapsed := record.Age(now)
	if elapsed < 0 || elapsed > e.horizon {
		return PositionRecord{}, false
	}

	distanceM := record.GroundSpeed * geo.KnotsToMs * elapsed.Seconds()
	lat, lon := geo.Project(record.Latitude, record.Longitude, record.Heading, distanceM)

	projected := record
	projected.Latitude = lat
	projected.Longitude = lon
	projected.LastContact = now.Unix()
	projected.Extrapolated = true
	return projected, true
}

// ShouldUpdate answers whether candidate differs enough from current to
// justify replacing the displayed position: either enough time has passed or
// the aircraft moved a material distance. Throttles visual churn from
// near-identical updates.
func (e *Extrapolator) ShouldUpdate(current, candidate PositionRecord) bool {
	elapsed := time.Unix(candidate.LastContact, 0).Sub(time.Unix(current.LastContact, 0))
	if elapsed >= e.minInterval {
		return true
	}

	distanceM := geo.Haversine(current.Latitude, current.Longitude, candidate.Latitude, candidate.Longitude)
	return distanceM >= e.minDistanceM
}
