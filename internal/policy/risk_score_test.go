package policy

import (
	"testing"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	berlin  = domain.GeoPoint{Lat: 52.5200, Lon: 13.4050}
	potsdam = domain.GeoPoint{Lat: 52.3906, Lon: 13.0645}
	newYork = domain.GeoPoint{Lat: 40.7128, Lon: -74.0060}
)

// knownGoodContext is a returning user on a known device, at home, during working hours.
func knownGoodContext() domain.SignalContext {
	at := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	loc := berlin
	return domain.SignalContext{
		FailedAttempts: 0,
		Device:         domain.DeviceSignal{ID: "laptop", KnownDevices: []string{"phone", "laptop"}},
		Location:       &loc,
		LocationHistory: []domain.LocationFix{
			{GeoPoint: berlin, Timestamp: at.Add(-48 * time.Hour)},
		},
		KeystrokeSample:   &domain.KeystrokeSample{MeanInterKeyInterval: 182, SampleCount: 12},
		KeystrokeBaseline: &domain.KeystrokeBaseline{Mean: 180, StdDev: 20, SampleCount: 30},
		Timestamp:         at,
		ActivityWindow:    &domain.ActivityWindow{StartHour: 8, EndHour: 20, Timezone: "Europe/Berlin"},
		LastLogin:         &domain.LoginDetails{Timestamp: at.Add(-24 * time.Hour), Location: &potsdam},
	}
}

func TestScore_Deterministic(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	sc := knownGoodContext()
	sc.FailedAttempts = 2
	sc.Device.ID = "tablet"

	first := s.Score(&sc)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, s.Score(&sc))
	}
}

func TestScore_DoesNotMutateContext(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	sc := knownGoodContext()
	before := knownGoodContext()

	s.Score(&sc)
	assert.Equal(t, before, sc)
}

func TestScore_FailedAttemptsMonotonicAndSaturating(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	prev := 0
	for n := 0; n <= 20; n++ {
		sc := domain.SignalContext{FailedAttempts: n, Device: domain.DeviceSignal{ID: "d", KnownDevices: []string{"d"}}}
		got := s.Score(&sc).FailedAttempts
		assert.GreaterOrEqual(t, got, prev, "n=%d", n)
		assert.LessOrEqual(t, got, CapFailedAttempts, "n=%d", n)
		prev = got
	}
	assert.Equal(t, CapFailedAttempts, prev)

	huge := domain.SignalContext{FailedAttempts: int(^uint(0) >> 1)}
	assert.Equal(t, CapFailedAttempts, s.Score(&huge).FailedAttempts)
}

func TestScore_NewDeviceDefault(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())

	empty := domain.SignalContext{Device: domain.DeviceSignal{ID: "fresh"}}
	assert.Equal(t, 5, s.Score(&empty).NewDevice)

	unknown := domain.SignalContext{Device: domain.DeviceSignal{ID: "fresh", KnownDevices: []string{"old"}}}
	assert.Equal(t, 5, s.Score(&unknown).NewDevice)

	known := domain.SignalContext{Device: domain.DeviceSignal{ID: "old", KnownDevices: []string{"old"}}}
	assert.Equal(t, 0, s.Score(&known).NewDevice)
}

func TestScore_GPS(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	history := []domain.LocationFix{{GeoPoint: berlin}}

	near := potsdam
	far := newYork
	tests := []struct {
		name    string
		current *domain.GeoPoint
		history []domain.LocationFix
		want    int
	}{
		{"within radius", &near, history, 0},
		{"outside radius", &far, history, CapGPS},
		{"no history", &far, nil, 0},
		{"no current location", nil, history, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := domain.SignalContext{Location: tt.current, LocationHistory: tt.history}
			assert.Equal(t, tt.want, s.Score(&sc).GPS)
		})
	}
}

func TestScore_Typing(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	baseline := &domain.KeystrokeBaseline{Mean: 200, StdDev: 25, SampleCount: 20}

	tests := []struct {
		name     string
		mean     float64
		baseline *domain.KeystrokeBaseline
		want     int
	}{
		{"dead zone", 220, baseline, 0},
		{"two sigma", 250, baseline, 6},
		{"three sigma below", 125, baseline, 12},
		{"far outlier capped", 900, baseline, CapTyping},
		{"no baseline", 900, nil, 0},
		{"zero stddev", 900, &domain.KeystrokeBaseline{Mean: 200, StdDev: 0, SampleCount: 20}, 0},
		{"thin baseline", 900, &domain.KeystrokeBaseline{Mean: 200, StdDev: 25, SampleCount: 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := domain.SignalContext{
				KeystrokeSample:   &domain.KeystrokeSample{MeanInterKeyInterval: tt.mean, SampleCount: 10},
				KeystrokeBaseline: tt.baseline,
			}
			assert.Equal(t, tt.want, s.Score(&sc).Typing)
		})
	}

	t.Run("no sample", func(t *testing.T) {
		sc := domain.SignalContext{KeystrokeBaseline: baseline}
		assert.Equal(t, 0, s.Score(&sc).Typing)
	})
}

func TestScore_TimeOfDay(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	window := &domain.ActivityWindow{StartHour: 8, EndHour: 18, Timezone: "America/New_York"}

	// 13:00 UTC is 09:00 in New York during daylight saving time.
	inside := time.Date(2026, 7, 1, 13, 0, 0, 0, time.UTC)
	// 10:00 UTC is 06:00 in New York.
	outside := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	sc := domain.SignalContext{Timestamp: inside, ActivityWindow: window}
	assert.Equal(t, 0, s.Score(&sc).TimeOfDay)

	sc.Timestamp = outside
	assert.Equal(t, CapTimeOfDay, s.Score(&sc).TimeOfDay)

	sc.ActivityWindow = nil
	assert.Equal(t, 0, s.Score(&sc).TimeOfDay)
}

func TestInActivityWindow(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 1, 5, h, 15, 0, 0, time.UTC) }

	night := domain.ActivityWindow{StartHour: 22, EndHour: 6, Timezone: "UTC"}
	assert.True(t, InActivityWindow(at(23), night))
	assert.True(t, InActivityWindow(at(2), night))
	assert.False(t, InActivityWindow(at(6), night))
	assert.False(t, InActivityWindow(at(12), night))

	allDay := domain.ActivityWindow{StartHour: 0, EndHour: 0}
	assert.True(t, InActivityWindow(at(3), allDay))

	bogus := domain.ActivityWindow{StartHour: 9, EndHour: 17, Timezone: "Mars/Olympus_Mons"}
	assert.True(t, InActivityWindow(at(9), bogus), "unknown timezone falls back to UTC")
	assert.False(t, InActivityWindow(at(17), bogus))
}

func TestScore_Velocity(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

	t.Run("impossible travel", func(t *testing.T) {
		// Berlin to New York is roughly 6400 km; ten minutes apart.
		cur := newYork
		sc := domain.SignalContext{
			Location:  &cur,
			Timestamp: now,
			LastLogin: &domain.LoginDetails{Timestamp: now.Add(-10 * time.Minute), Location: &berlin},
		}
		require.Greater(t, HaversineKm(berlin, newYork), 5000.0)
		assert.Equal(t, CapVelocity, s.Score(&sc).Velocity)
	})

	t.Run("same point", func(t *testing.T) {
		cur := berlin
		sc := domain.SignalContext{
			Location:  &cur,
			Timestamp: now,
			LastLogin: &domain.LoginDetails{Timestamp: now.Add(-10 * time.Minute), Location: &berlin},
		}
		assert.Equal(t, 0, s.Score(&sc).Velocity)
	})

	t.Run("plausible flight", func(t *testing.T) {
		cur := newYork
		sc := domain.SignalContext{
			Location:  &cur,
			Timestamp: now,
			LastLogin: &domain.LoginDetails{Timestamp: now.Add(-10 * time.Hour), Location: &berlin},
		}
		assert.Equal(t, 0, s.Score(&sc).Velocity)
	})

	t.Run("no previous location", func(t *testing.T) {
		cur := newYork
		sc := domain.SignalContext{
			Location:  &cur,
			Timestamp: now,
			LastLogin: &domain.LoginDetails{Timestamp: now.Add(-time.Minute)},
		}
		assert.Equal(t, 0, s.Score(&sc).Velocity)
	})
}

func TestHaversineKm(t *testing.T) {
	assert.InDelta(t, 0, HaversineKm(berlin, berlin), 1e-9)
	assert.InDelta(t, 6385, HaversineKm(berlin, newYork), 25)
	assert.InDelta(t, HaversineKm(berlin, newYork), HaversineKm(newYork, berlin), 1e-9)
}

func TestScore_EndToEndFixtures(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())

	t.Run("clean login", func(t *testing.T) {
		sc := knownGoodContext()
		b := s.Score(&sc)
		d := ThresholdDecision(b.Total(), b)
		assert.Equal(t, domain.RiskLow, d.RiskLevel)
		assert.Equal(t, domain.ActionAllow, d.Action)
	})

	t.Run("five prior failures", func(t *testing.T) {
		sc := knownGoodContext()
		sc.FailedAttempts = 5
		b := s.Score(&sc)
		assert.Equal(t, 50, b.FailedAttempts)

		d := ThresholdDecision(b.Total(), b)
		assert.NotEqual(t, domain.RiskLow, d.RiskLevel)
		assert.Contains(t, []domain.Action{domain.ActionMFARequired, domain.ActionBlocked}, d.Action)
	})
}

func TestLevelForScore(t *testing.T) {
	assert.Equal(t, domain.RiskLow, LevelForScore(0))
	assert.Equal(t, domain.RiskLow, LevelForScore(40))
	assert.Equal(t, domain.RiskMedium, LevelForScore(41))
	assert.Equal(t, domain.RiskMedium, LevelForScore(70))
	assert.Equal(t, domain.RiskHigh, LevelForScore(71))
}
