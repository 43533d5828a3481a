package tracking

import (
	"math"
	"time"

	"github.com/skyfleet/tracker/internal/catalog"
)

// Field sentinel and range limits for position records. The upstream wire
// format uses nulls for unknown velocity/heading; those come through as
// ValueMissing and are legal, but never extrapolated.
const (
	ValueMissing = -1.0

	MaxAltitudeFeet = 100000.0
	MinAltitudeFeet = -2000.0
)

// PositionRecord is one aircraft's kinematic state at a point in time.
type PositionRecord struct {
	ICAO          string  `json:"icao24"`         // 24-bit transponder hex id
	Callsign      string  `json:"callsign"`       // Flight callsign, trimmed, may be empty
	OriginCountry string  `json:"origin_country"` // Country the transponder is registered in
	Latitude      float64 `json:"lat"`
	Longitude     float64 `json:"lon"`
	Altitude      float64 `json:"altitude"`     // Barometric altitude in feet
	GroundSpeed   float64 `json:"ground_speed"` // Knots; ValueMissing when the source reported none
	Heading       float64 `json:"heading"`      // True track in degrees [0,360); ValueMissing when unknown
	OnGround      bool    `json:"on_ground"`
	LastContact   int64   `json:"last_contact"` // Epoch seconds of the last upstream observation
	Extrapolated  bool    `json:"extrapolated"` // True when projected rather than observed
}

// HasVelocity reports whether the record carries usable speed and heading.
func (r *PositionRecord) HasVelocity() bool {
	return r.GroundSpeed >= 0 && r.Heading >= 0
}

// Age returns the time since the record's last upstream observation.
func (r *PositionRecord) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(r.LastContact, 0))
}

// Validate checks field ranges. Records failing validation are discarded at
// the parse boundary and never cached or published.
func (r *PositionRecord) Validate() error {
	if len(r.ICAO) != 6 {
		return &ValidationError{Field: "icao24", Reason: "must be a 6-character hex id"}
	}
	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		return &ValidationError{Field: "lat", Reason: "outside [-90, 90]"}
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		return &ValidationError{Field: "lon", Reason: "outside [-180, 180]"}
	}
	if math.IsNaN(r.Altitude) || r.Altitude < MinAltitudeFeet || r.Altitude > MaxAltitudeFeet {
		return &ValidationError{Field: "altitude", Reason: "outside sane range"}
	}
	if math.IsNaN(r.GroundSpeed) || (r.GroundSpeed < 0 && r.GroundSpeed != ValueMissing) {
		return &ValidationError{Field: "ground_speed", Reason: "negative"}
	}
	if math.IsNaN(r.Heading) || (r.Heading != ValueMissing && (r.Heading < 0 || r.Heading >= 360)) {
		return &ValidationError{Field: "heading", Reason: "outside [0, 360)"}
	}
	if r.LastContact <= 0 {
		return &ValidationError{Field: "last_contact", Reason: "missing"}
	}
	return nil
}

// TrailPoint is one historical position sample kept for map trails.
type TrailPoint struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Altitude  float64   `json:"altitude"`
	Timestamp time.Time `json:"timestamp"`
}

// MergedAircraft is a position record joined with its static catalog metadata.
// The coordinator constructs these; consumers receive read-only snapshots.
type MergedAircraft struct {
	ICAO                string           `json:"icao24"`
	Manufacturer        string           `json:"manufacturer"`
	Model               string           `json:"model"`
	Registration        string           `json:"registration"`
	OwnerName           string           `json:"owner_name,omitempty"`
	OwnerCity           string           `json:"owner_city,omitempty"`
	OwnerState          string           `json:"owner_state,omitempty"`
	OwnerType           string           `json:"owner_type,omitempty"`
	AircraftType        string           `json:"aircraft_type,omitempty"`
	Position            PositionRecord   `json:"position"`
	MagneticDeclination float64          `json:"magnetic_declination"`
	Trail               []TrailPoint     `json:"trail,omitempty"`
}

// mergeMetadata copies the static catalog attributes onto a merged record.
func (m *MergedAircraft) mergeMetadata(meta catalog.StaticMetadata) {
	m.Manufacturer = meta.Manufacturer
	m.Model = meta.Model
	m.Registration = meta.Registration
	m.OwnerName = meta.OwnerName
	m.OwnerCity = meta.OwnerCity
	m.OwnerState = meta.OwnerState
	m.OwnerType = meta.OwnerType
	m.AircraftType = meta.AircraftType
}

// ModelCount is the per-model breakdown returned by ModelStats.
type ModelCount struct {
	Model  string `json:"model"`
	Total  int    `json:"total"`
	Active int    `json:"active"`
}

// ModelStats summarizes tracked aircraft grouped by model.
type ModelStats struct {
	Models      []ModelCount `json:"models"`
	TotalActive int          `json:"total_active"`
}
