package policy

import (
	"math"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
)

// Component caps. The six caps sum to 100.
const (
	CapFailedAttempts = 50
	CapGPS            = 15
	CapTyping         = 12
	CapTimeOfDay      = 8
	CapVelocity       = 10
	CapNewDevice      = 5
)

// ScoringConfig holds the tunable policy constants for the risk scorer.
type ScoringConfig struct {
	PerFailedAttempt   int     `json:"per_failed_attempt"`
	GPSRadiusKm        float64 `json:"gps_radius_km"`
	MaxTravelKmh       float64 `json:"max_travel_kmh"`
	MinTravelKm        float64 `json:"min_travel_km"`
	TypingDeadZone     float64 `json:"typing_dead_zone"`
	TypingPointsPerSD  float64 `json:"typing_points_per_sd"`
	MinBaselineSamples int     `json:"min_baseline_samples"`
}

// DefaultScoringConfig returns the reference policy constants.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		PerFailedAttempt:   10,
		GPSRadiusKm:        50,
		MaxTravelKmh:       1000, // above commercial cruise speed
		MinTravelKm:        1,
		TypingDeadZone:     1.0,
		TypingPointsPerSD:  6,
		MinBaselineSamples: 5,
	}
}

// Scorer computes a RiskBreakdown from a SignalContext. It holds no mutable
// state and is safe for concurrent use.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer creates a scorer with the given constants.
func NewScorer(cfg ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score evaluates every component. It never fails: missing signals contribute
// the component's neutral value.
func (s *Scorer) Score(sc *domain.SignalContext) domain.RiskBreakdown {
	return domain.RiskBreakdown{
		FailedAttempts: s.failedAttempts(sc.FailedAttempts),
		GPS:            s.gps(sc.Location, sc.LocationHistory),
		Typing:         s.typing(sc.KeystrokeSample, sc.KeystrokeBaseline),
		TimeOfDay:      s.timeOfDay(sc.Timestamp, sc.ActivityWindow),
		Velocity:       s.velocity(sc.Location, sc.Timestamp, sc.LastLogin),
		NewDevice:      s.newDevice(sc.Device),
	}
}

func (s *Scorer) failedAttempts(n int) int {
	per := s.cfg.PerFailedAttempt
	if n <= 0 || per <= 0 {
		return 0
	}
	// Saturate before multiplying so very large counts cannot overflow.
	if n > CapFailedAttempts/per {
		return CapFailedAttempts
	}
	return min(CapFailedAttempts, n*per)
}

// gps is 0 when the current fix is near any historical fix, or when there is
// no history to compare against.
func (s *Scorer) gps(current *domain.GeoPoint, history []domain.LocationFix) int {
	if current == nil || len(history) == 0 {
		return 0
	}
	for _, fix := range history {
		if HaversineKm(*current, fix.GeoPoint) <= s.cfg.GPSRadiusKm {
			return 0
		}
	}
	return CapGPS
}

func (s *Scorer) typing(sample *domain.KeystrokeSample, baseline *domain.KeystrokeBaseline) int {
	if sample == nil || baseline == nil || sample.SampleCount <= 0 {
		return 0
	}
	if baseline.StdDev <= 0 || baseline.SampleCount < s.cfg.MinBaselineSamples {
		return 0
	}
	z := math.Abs(sample.MeanInterKeyInterval-baseline.Mean) / baseline.StdDev
	if z <= s.cfg.TypingDeadZone {
		return 0
	}
	points := int(math.Round((z - s.cfg.TypingDeadZone) * s.cfg.TypingPointsPerSD))
	return max(0, min(CapTyping, points))
}

func (s *Scorer) timeOfDay(at time.Time, window *domain.ActivityWindow) int {
	if window == nil || at.IsZero() {
		return 0
	}
	if InActivityWindow(at, *window) {
		return 0
	}
	return CapTimeOfDay
}

// velocity applies the impossible-travel check against the last login.
func (s *Scorer) velocity(current *domain.GeoPoint, at time.Time, last *domain.LoginDetails) int {
	if current == nil || last == nil || last.Location == nil {
		return 0
	}
	dist := HaversineKm(*last.Location, *current)
	if dist < s.cfg.MinTravelKm {
		return 0
	}
	elapsed := at.Sub(last.Timestamp).Hours()
	if elapsed <= 0 {
		return CapVelocity
	}
	if dist/elapsed > s.cfg.MaxTravelKmh {
		return CapVelocity
	}
	return 0
}

func (s *Scorer) newDevice(d domain.DeviceSignal) int {
	if d.IsKnown() {
		return 0
	}
	return CapNewDevice
}

// InActivityWindow reports whether at, converted to the window's timezone,
// falls inside [StartHour, EndHour). Unknown timezones fall back to UTC.
func InActivityWindow(at time.Time, w domain.ActivityWindow) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	hour := at.In(loc).Hour()
	start, end := w.StartHour, w.EndHour
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two points.
func HaversineKm(a, b domain.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	h = math.Min(1, h)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// LevelForScore maps a score onto the fixed risk bands.
func LevelForScore(score int) domain.RiskLevel {
	switch {
	case score <= AllowMax:
		return domain.RiskLow
	case score <= MFAMax:
		return domain.RiskMedium
	default:
		return domain.RiskHigh
	}
}
