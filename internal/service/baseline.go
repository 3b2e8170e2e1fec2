package service

import (
	"math"

	"github.com/adaptiveauth/rba/internal/domain"
)

// Baseline retention limits.
const (
	MaxKnownDevices    = 20
	MaxLocationHistory = 20
)

// FoldObservation returns a copy of b updated with a successful login: the
// device becomes known, the location is appended to the history, the typing
// sample is merged into the running keystroke baseline and the login becomes
// the last-login record. b is not modified; a nil b starts a new baseline.
func FoldObservation(b *domain.UserBaseline, userID string, obs domain.LoginObservation) *domain.UserBaseline {
	out := &domain.UserBaseline{UserID: userID}
	if b != nil {
		out.KnownDevices = append([]string(nil), b.KnownDevices...)
		out.LocationHistory = append([]domain.LocationFix(nil), b.LocationHistory...)
		if b.KeystrokeBaseline != nil {
			kb := *b.KeystrokeBaseline
			out.KeystrokeBaseline = &kb
		}
		out.ActivityWindow = b.ActivityWindow
	}

	if obs.DeviceID != "" {
		out.KnownDevices = rememberDevice(out.KnownDevices, obs.DeviceID)
	}
	if obs.Location != nil {
		out.LocationHistory = append(out.LocationHistory, domain.LocationFix{GeoPoint: *obs.Location, Timestamp: obs.At})
		if n := len(out.LocationHistory); n > MaxLocationHistory {
			out.LocationHistory = out.LocationHistory[n-MaxLocationHistory:]
		}
	}
	if obs.Keystroke != nil && obs.Keystroke.SampleCount > 0 {
		out.KeystrokeBaseline = mergeKeystroke(out.KeystrokeBaseline, obs.Keystroke.MeanInterKeyInterval)
	}

	var loc *domain.GeoPoint
	if obs.Location != nil {
		p := *obs.Location
		loc = &p
	}
	out.LastLogin = &domain.LoginDetails{Timestamp: obs.At, Location: loc}
	return out
}

// rememberDevice moves id to the most-recent end, evicting the oldest device
// once the list is full.
func rememberDevice(devices []string, id string) []string {
	out := devices[:0]
	for _, d := range devices {
		if d != id {
			out = append(out, d)
		}
	}
	out = append(out, id)
	if len(out) > MaxKnownDevices {
		out = out[len(out)-MaxKnownDevices:]
	}
	return out
}

// mergeKeystroke adds one login's mean inter-key interval to the running
// population mean and standard deviation (Welford).
func mergeKeystroke(kb *domain.KeystrokeBaseline, x float64) *domain.KeystrokeBaseline {
	if kb == nil || kb.SampleCount <= 0 {
		return &domain.KeystrokeBaseline{Mean: x, StdDev: 0, SampleCount: 1}
	}
	n := float64(kb.SampleCount)
	m2 := kb.StdDev * kb.StdDev * n
	mean := kb.Mean + (x-kb.Mean)/(n+1)
	m2 += (x - kb.Mean) * (x - mean)
	return &domain.KeystrokeBaseline{
		Mean:        mean,
		StdDev:      math.Sqrt(m2 / (n + 1)),
		SampleCount: kb.SampleCount + 1,
	}
}
