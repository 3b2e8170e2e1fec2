package mfa

import (
	"context"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
)

// SecretStore persists MFASecretRecords.
type SecretStore interface {
	// Register deactivates any active record for (UserID, FactorType) and
	// stores rec as the active one.
	Register(ctx context.Context, rec *domain.MFASecretRecord) error

	// ListActive returns every active record for a user.
	ListActive(ctx context.Context, userID string) ([]domain.MFASecretRecord, error)

	// Update runs fn with exclusive access to the active record for
	// (userID, ft). rec is nil when no active record exists. When fn returns
	// true the mutated record is written back before the exclusive access is
	// released. Implementations return an error wrapping
	// domain.ErrConcurrencyConflict when the caller should retry.
	Update(ctx context.Context, userID string, ft domain.FactorType, fn func(rec *domain.MFASecretRecord) (bool, error)) error
}

// ChallengeStore holds issued challenges and consumed nullifiers.
type ChallengeStore interface {
	// Save stores a challenge until ttl elapses.
	Save(ctx context.Context, ch *domain.MFAChallenge, ttl time.Duration) error

	// Take atomically removes and returns the challenge for nonce, or nil.
	Take(ctx context.Context, nonce string) (*domain.MFAChallenge, error)

	// ClaimNullifier marks a nullifier as consumed. It returns false when the
	// nullifier was already claimed.
	ClaimNullifier(ctx context.Context, nullifier string, ttl time.Duration) (bool, error)
}
