package domain

import "time"

// GeoPoint is a WGS84 coordinate in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LocationFix is a point the user was seen at.
type LocationFix struct {
	GeoPoint
	Timestamp time.Time `json:"timestamp"`
}

// DeviceSignal carries the presented device and the user's known devices.
type DeviceSignal struct {
	ID           string   `json:"id"`
	KnownDevices []string `json:"known_devices"`
}

// IsKnown reports whether the presented device is in the known set.
func (d DeviceSignal) IsKnown() bool {
	for _, known := range d.KnownDevices {
		if known == d.ID {
			return true
		}
	}
	return false
}

// KeystrokeSample summarizes the inter-key timings of the typed password.
type KeystrokeSample struct {
	MeanInterKeyInterval float64 `json:"mean_inter_key_interval"`
	SampleCount          int     `json:"sample_count"`
}

// KeystrokeBaseline is the user's learned typing rhythm.
type KeystrokeBaseline struct {
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stddev"`
	SampleCount int     `json:"sample_count"`
}

// ActivityWindow is the daily window, in the user's timezone, in which logins are expected.
// StartHour is inclusive and EndHour exclusive; a window with StartHour > EndHour wraps midnight.
type ActivityWindow struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone"`
}

// LoginDetails describes the last successful login.
type LoginDetails struct {
	Timestamp time.Time `json:"timestamp"`
	Location  *GeoPoint `json:"location,omitempty"`
}

// SignalContext is the per-evaluation snapshot consumed by the risk scorer.
// It is built once per request and must not be mutated afterwards.
type SignalContext struct {
	FailedAttempts    int                `json:"failed_attempts"`
	Device            DeviceSignal       `json:"device"`
	Location          *GeoPoint          `json:"location,omitempty"`
	LocationHistory   []LocationFix      `json:"location_history,omitempty"`
	KeystrokeSample   *KeystrokeSample   `json:"keystroke_sample,omitempty"`
	KeystrokeBaseline *KeystrokeBaseline `json:"keystroke_baseline,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	ActivityWindow    *ActivityWindow    `json:"activity_window,omitempty"`
	LastLogin         *LoginDetails      `json:"last_login,omitempty"`
}

// UserBaseline is the stored behavioral profile a SignalContext is built from.
type UserBaseline struct {
	UserID            string             `json:"user_id"`
	KnownDevices      []string           `json:"known_devices"`
	LocationHistory   []LocationFix      `json:"location_history"`
	KeystrokeBaseline *KeystrokeBaseline `json:"keystroke_baseline,omitempty"`
	ActivityWindow    *ActivityWindow    `json:"activity_window,omitempty"`
	LastLogin         *LoginDetails      `json:"last_login,omitempty"`
}

// LoginObservation is what a successful login contributes back to the baseline.
type LoginObservation struct {
	DeviceID  string
	Location  *GeoPoint
	Keystroke *KeystrokeSample
	At        time.Time
}

// BuildSignalContext assembles a SignalContext from request data and a baseline.
// A nil baseline yields a first-use context with no history.
func BuildSignalContext(failedAttempts int, obs LoginObservation, baseline *UserBaseline) SignalContext {
	sc := SignalContext{
		FailedAttempts:  failedAttempts,
		Device:          DeviceSignal{ID: obs.DeviceID},
		Location:        obs.Location,
		KeystrokeSample: obs.Keystroke,
		Timestamp:       obs.At,
	}
	if baseline == nil {
		return sc
	}
	sc.Device.KnownDevices = append([]string(nil), baseline.KnownDevices...)
	sc.LocationHistory = append([]LocationFix(nil), baseline.LocationHistory...)
	sc.KeystrokeBaseline = baseline.KeystrokeBaseline
	sc.ActivityWindow = baseline.ActivityWindow
	sc.LastLogin = baseline.LastLogin
	return sc
}
