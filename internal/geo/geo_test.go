package geo

import (
	"math"
	"testing"
	"time"
)

func TestHaversine(t *testing.T) {
	t.Run("zero distance for identical points", func(t *testing.T) {
		if d := Haversine(40, -75, 40, -75); d != 0 {
			t.Fatalf("d = %v, want 0", d)
		}
	})

	t.Run("JFK to LHR", func(t *testing.T) {
		// Roughly 5,540 km great circle.
		d := Haversine(40.6413, -73.7781, 51.4700, -0.4543)
		if math.Abs(d-5540000) > 20000 {
			t.Fatalf("d = %.0fm, want about 5540km", d)
		}
	})

	t.Run("one degree of latitude", func(t *testing.T) {
		// About 111.2 km on a spherical earth.
		d := Haversine(40, -75, 41, -75)
		if math.Abs(d-111195) > 200 {
			t.Fatalf("d = %.0fm, want about 111.2km", d)
		}
	})
}

func TestProject(t *testing.T) {
	t.Run("round trip with haversine", func(t *testing.T) {
		lat, lon := Project(40.0, -75.0, 47.0, 25000)
		d := Haversine(40.0, -75.0, lat, lon)
		if math.Abs(d-25000) > 25 {
			t.Fatalf("projected distance = %.0fm, want 25000m", d)
		}
	})

	t.Run("due north increases latitude only", func(t *testing.T) {
		lat, lon := Project(40.0, -75.0, 0, 10000)
		if lat <= 40.0 {
			t.Fatalf("lat = %v, want > 40", lat)
		}
		if math.Abs(lon-(-75.0)) > 1e-6 {
			t.Fatalf("lon drifted: %v", lon)
		}
	})

	t.Run("due east increases longitude", func(t *testing.T) {
		lat, lon := Project(40.0, -75.0, 90, 10000)
		if lon <= -75.0 {
			t.Fatalf("lon = %v, want > -75", lon)
		}
		if math.Abs(lat-40.0) > 0.001 {
			t.Fatalf("lat drifted: %v", lat)
		}
	})

	t.Run("zero distance is the same point", func(t *testing.T) {
		lat, lon := Project(40.0, -75.0, 123, 0)
		if math.Abs(lat-40.0) > 1e-9 || math.Abs(lon-(-75.0)) > 1e-9 {
			t.Fatalf("moved without distance: %v, %v", lat, lon)
		}
	})

	t.Run("longitude wraps across the antimeridian", func(t *testing.T) {
		_, lon := Project(0, 179.9, 90, 50000)
		if lon < -180 || lon >= 180 {
			t.Fatalf("lon = %v, outside [-180, 180)", lon)
		}
		if lon > 0 {
			t.Fatalf("lon = %v, want wrapped negative", lon)
		}
	})
}

func TestInitialBearing(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tol                    float64
	}{
		{"due north", 40, -75, 41, -75, 0, 0.01},
		{"due south", 41, -75, 40, -75, 180, 0.01},
		{"due east at equator", 0, 0, 0, 1, 90, 0.01},
		{"due west at equator", 0, 1, 0, 0, 270, 0.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := InitialBearing(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if math.Abs(got-tc.want) > tc.tol {
				t.Fatalf("bearing = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMetersToNM(t *testing.T) {
	if got := MetersToNM(1852); got != 1 {
		t.Fatalf("MetersToNM(1852) = %v, want 1", got)
	}
}

func TestMagneticVariation(t *testing.T) {
	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Philadelphia area: declination is west (negative), around -12 degrees.
	d := MagneticVariation(40.0, -75.0, 1000, date)
	if d > -5 || d < -20 {
		t.Fatalf("declination = %v, want westerly near -12", d)
	}
}
