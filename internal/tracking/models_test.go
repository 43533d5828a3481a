package tracking

import (
	"testing"
	"time"
)

func validRecord() PositionRecord {
	return PositionRecord{
		ICAO:        "abc123",
		Latitude:    40.0,
		Longitude:   -75.0,
		Altitude:    35000,
		GroundSpeed: 450,
		Heading:     90,
		LastContact: 1770000000,
	}
}

func TestPositionRecordValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PositionRecord)
		ok     bool
	}{
		{"valid record", func(r *PositionRecord) {}, true},
		{"short icao", func(r *PositionRecord) { r.ICAO = "abc" }, false},
		{"long icao", func(r *PositionRecord) { r.ICAO = "abc1234" }, false},
		{"latitude too high", func(r *PositionRecord) { r.Latitude = 90.1 }, false},
		{"latitude too low", func(r *PositionRecord) { r.Latitude = -90.1 }, false},
		{"latitude at pole", func(r *PositionRecord) { r.Latitude = 90 }, true},
		{"longitude too high", func(r *PositionRecord) { r.Longitude = 180.1 }, false},
		{"longitude too low", func(r *PositionRecord) { r.Longitude = -180.1 }, false},
		{"altitude too high", func(r *PositionRecord) { r.Altitude = 100001 }, false},
		{"altitude below range", func(r *PositionRecord) { r.Altitude = -2001 }, false},
		{"negative ground speed", func(r *PositionRecord) { r.GroundSpeed = -2 }, false},
		{"missing ground speed sentinel", func(r *PositionRecord) { r.GroundSpeed = ValueMissing }, true},
		{"heading 360", func(r *PositionRecord) { r.Heading = 360 }, false},
		{"heading zero", func(r *PositionRecord) { r.Heading = 0 }, true},
		{"missing heading sentinel", func(r *PositionRecord) { r.Heading = ValueMissing }, true},
		{"missing last contact", func(r *PositionRecord) { r.LastContact = 0 }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRecord()
			tc.mutate(&r)
			err := r.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}
}

func TestPositionRecordHasVelocity(t *testing.T) {
	r := validRecord()
	if !r.HasVelocity() {
		t.Fatal("valid kinematics not detected")
	}

	r.GroundSpeed = ValueMissing
	if r.HasVelocity() {
		t.Fatal("missing speed not detected")
	}

	r = validRecord()
	r.Heading = ValueMissing
	if r.HasVelocity() {
		t.Fatal("missing heading not detected")
	}

	r = validRecord()
	r.GroundSpeed = 0
	if !r.HasVelocity() {
		t.Fatal("zero speed is still a usable velocity")
	}
}

func TestPositionRecordAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := validRecord()
	r.LastContact = now.Add(-90 * time.Second).Unix()

	if got := r.Age(now); got != 90*time.Second {
		t.Fatalf("Age = %v, want 90s", got)
	}
}
