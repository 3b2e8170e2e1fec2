package domain

import (
	"time"

	"github.com/google/uuid"
)

// FactorType enumerates the step-up factors a user can enroll.
type FactorType string

const (
	FactorPIN        FactorType = "pin"
	FactorBiometric  FactorType = "biometric"
	FactorPattern    FactorType = "pattern"
	FactorVoice      FactorType = "voice"
	FactorBehavioral FactorType = "behavioral"
)

// AllFactorTypes lists every supported factor in a stable order.
var AllFactorTypes = []FactorType{FactorPIN, FactorBiometric, FactorPattern, FactorVoice, FactorBehavioral}

// Valid reports whether f is a supported factor type.
func (f FactorType) Valid() bool {
	for _, ft := range AllFactorTypes {
		if f == ft {
			return true
		}
	}
	return false
}

// MFASecretRecord stores the commitment for one enrolled factor.
// At most one record per (UserID, FactorType) is active.
type MFASecretRecord struct {
	ID             uuid.UUID  `json:"id"`
	UserID         string     `json:"user_id"`
	FactorType     FactorType `json:"factor_type"`
	Commitment     string     `json:"-"`
	Salt           string     `json:"-"`
	IsActive       bool       `json:"is_active"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastUsed       *time.Time `json:"last_used,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsLocked reports whether the record is locked at the given instant.
func (r *MFASecretRecord) IsLocked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// MFAChallenge is a single-use, time-boxed step-up challenge.
type MFAChallenge struct {
	ID              uuid.UUID    `json:"challenge_id"`
	Nonce           string       `json:"nonce"`
	RequiredFactors []FactorType `json:"required_factors"`
	IssuedAt        time.Time    `json:"issued_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
}

// Expired reports whether the challenge has passed its deadline.
func (c *MFAChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// PublicSignals is the ordered triple [factorType, challengeNonce, clientTimestamp].
type PublicSignals struct {
	FactorType      FactorType
	ChallengeNonce  string
	ClientTimestamp time.Time
}

// Proof is a client-built proof-of-possession for one factor.
type Proof struct {
	FactorType    FactorType `json:"factor_type"`
	ProofValue    string     `json:"proof_value"`
	PublicSignals []string   `json:"public_signals"`
	Nullifier     string     `json:"nullifier"`
}

// MFA failure reasons.
const (
	ReasonNotFound          = "not_found"
	ReasonLocked            = "locked"
	ReasonChallengeMismatch = "challenge_mismatch"
	ReasonExpired           = "expired"
	ReasonProofInvalid      = "proof_invalid"
	ReasonAlreadyConsumed   = "already_consumed"
	ReasonMissing           = "missing"
)

// VerifyResult is the outcome of verifying one proof.
type VerifyResult struct {
	Valid       bool       `json:"valid"`
	Reason      string     `json:"reason,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// FactorFailure explains why a required factor did not verify.
type FactorFailure struct {
	FactorType FactorType `json:"factor_type"`
	Reason     string     `json:"reason"`
}

// MultiFactorResult is the outcome of verifying every required factor.
type MultiFactorResult struct {
	Valid           bool            `json:"valid"`
	VerifiedFactors []FactorType    `json:"verified_factors"`
	MissingFactors  []FactorType    `json:"missing_factors"`
	Failures        []FactorFailure `json:"failures,omitempty"`
}

// FactorLockEvent is emitted when a factor transitions to locked.
type FactorLockEvent struct {
	UserID         string     `json:"user_id"`
	FactorType     FactorType `json:"factor_type"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    time.Time  `json:"locked_until"`
}
