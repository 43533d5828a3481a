// Package geo holds the spherical-earth navigation math shared by the
// tracking core: distances, forward projection, and magnetic variation.
package geo

import (
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Constants
const (
	EarthRadiusM = 6371000.0 // Mean earth radius (m)
	KnotsToMs    = 0.514444  // Conversion factor from knots to m/s
	MsToKnots    = 1.943844  // Conversion factor from m/s to knots
	MetersToFeet = 3.28084   // Conversion factor from meters to feet
	NMToMeters   = 1852.0    // Conversion factor from nautical miles to meters
)

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// MetersToNM converts meters to nautical miles.
func MetersToNM(meters float64) float64 {
	return meters / NMToMeters
}

// Project returns the point reached by travelling distanceM meters from
// (lat, lon) along the given true bearing (degrees), using the spherical
// forward-azimuth formula.
func Project(lat, lon, bearingDeg, distanceM float64) (float64, float64) {
	// Zero distance is the identity; skip the trig round-trip, which would
	// otherwise introduce ULP-level drift in the returned coordinates.
	if distanceM == 0 {
		return lat, lon
	}

	phi1 := lat * math.Pi / 180
	lambda1 := lon * math.Pi / 180
	theta := bearingDeg * math.Pi / 180
	delta := distanceM / EarthRadiusM

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
		math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))

	lat2 := phi2 * 180 / math.Pi
	lon2 := lambda2 * 180 / math.Pi

	// Normalize longitude to [-180, 180)
	for lon2 >= 180 {
		lon2 -= 360
	}
	for lon2 < -180 {
		lon2 += 360
	}

	return lat2, lon2
}

// InitialBearing returns the initial great-circle bearing in degrees [0, 360)
// from the first point towards the second.
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	bearing := math.Atan2(y, x) * 180 / math.Pi
	if bearing < 0 {
		bearing += 360
	}
	return bearing
}

// MagneticVariation calculates the magnetic declination for a given position
// and time. Returns declination in degrees (+East, -West).
func MagneticVariation(lat, lon, altFt float64, date time.Time) float64 {
	altM := altFt * 0.3048

	loc := egm96.NewLocationGeodetic(lat, lon, altM)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Return 0 for safety if calculation fails
		return 0.0
	}

	return mag.D()
}
