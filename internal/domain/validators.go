package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail checks if an email address is valid.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// NormalizeEmail returns the canonical form used for every email lookup and
// every login-attempt key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	return nil
}

// ValidateGeoPoint checks coordinate ranges.
func ValidateGeoPoint(p *GeoPoint) error {
	if p == nil {
		return nil
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude out of range: %v", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude out of range: %v", p.Lon)
	}
	return nil
}

// ValidateFactorSecret checks a factor secret before it is committed.
func ValidateFactorSecret(ft FactorType, secret string) error {
	if !ft.Valid() {
		return fmt.Errorf("unsupported factor type: %q", ft)
	}
	if secret == "" {
		return fmt.Errorf("secret is required")
	}
	if ft == FactorPIN && len(secret) < 4 {
		return fmt.Errorf("pin must be at least 4 digits")
	}
	return nil
}
