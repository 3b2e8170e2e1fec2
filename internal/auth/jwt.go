package auth

import (
	"fmt"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Realm identifies the JWT authentication realm.
type Realm string

const (
	RealmUser   Realm = "user"
	RealmStepUp Realm = "stepup"
)

// StepUpClaims binds a pending step-up to the challenge and the login context
// that triggered it.
type StepUpClaims struct {
	ChallengeID uuid.UUID               `json:"challenge_id"`
	Nonce       string                  `json:"nonce"`
	RiskEventID uuid.UUID               `json:"risk_event_id"`
	DeviceID    string                  `json:"device_id"`
	Location    *domain.GeoPoint        `json:"location,omitempty"`
	Keystroke   *domain.KeystrokeSample `json:"keystroke,omitempty"`
}

// Claims holds the custom JWT claims for both realms.
type Claims struct {
	jwt.RegisteredClaims
	Realm  Realm         `json:"realm"`
	Email  string        `json:"email,omitempty"`
	StepUp *StepUpClaims `json:"stepup,omitempty"` // stepup realm only
}

// JWTManager handles token generation and validation.
type JWTManager struct {
	secret       []byte
	userExpiry   time.Duration
	stepUpExpiry time.Duration
}

// NewJWTManager creates a JWT manager with realm-specific expiry durations.
func NewJWTManager(secret string, userExpiry, stepUpExpiry time.Duration) *JWTManager {
	return &JWTManager{
		secret:       []byte(secret),
		userExpiry:   userExpiry,
		stepUpExpiry: stepUpExpiry,
	}
}

// GenerateToken creates a signed session JWT for a user.
func (m *JWTManager) GenerateToken(subjectID uuid.UUID, email string) (string, error) {
	return m.sign(Claims{Realm: RealmUser, Email: email}, subjectID, m.userExpiry)
}

// GenerateStepUpToken creates a short-lived token for completing MFA.
func (m *JWTManager) GenerateStepUpToken(subjectID uuid.UUID, email string, su StepUpClaims) (string, error) {
	return m.sign(Claims{Realm: RealmStepUp, Email: email, StepUp: &su}, subjectID, m.stepUpExpiry)
}

func (m *JWTManager) sign(claims Claims, subjectID uuid.UUID, expiry time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subjectID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		ID:        uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and validates a JWT, returning claims if valid.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// ValidateTokenForRealm validates a token and ensures it belongs to the expected realm.
func (m *JWTManager) ValidateTokenForRealm(tokenString string, expectedRealm Realm) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Realm != expectedRealm {
		return nil, fmt.Errorf("expected realm %s, got %s", expectedRealm, claims.Realm)
	}
	if expectedRealm == RealmStepUp && claims.StepUp == nil {
		return nil, fmt.Errorf("step-up token without challenge binding")
	}
	return claims, nil
}
