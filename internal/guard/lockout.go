package guard

import (
	"context"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/repository"
)

const (
	// AttemptLookback bounds how far back consecutive failures are counted.
	AttemptLookback = 24 * time.Hour
)

// AttemptTracker records password attempts and derives the consecutive
// failure count fed into the risk signals.
type AttemptTracker struct {
	repo repository.LoginAttemptRepository
	db   repository.DBTX
}

// NewAttemptTracker creates an AttemptTracker.
func NewAttemptTracker(repo repository.LoginAttemptRepository, db repository.DBTX) *AttemptTracker {
	return &AttemptTracker{repo: repo, db: db}
}

// Record inserts a login attempt row keyed by the canonical email. Errors are returned so the caller can log them.
func (t *AttemptTracker) Record(ctx context.Context, email, ip string, success bool) error {
	return t.repo.Insert(ctx, t.db, domain.NormalizeEmail(email), ip, success)
}

// ConsecutiveFailures counts failed attempts since the most recent success.
// A lookup error yields 0: the risk score then falls back to the other signals
// rather than blocking the login on a database hiccup.
func (t *AttemptTracker) ConsecutiveFailures(ctx context.Context, email string) int {
	n, err := t.repo.CountFailuresSinceSuccess(ctx, t.db, domain.NormalizeEmail(email), time.Now().Add(-AttemptLookback))
	if err != nil {
		return 0
	}
	return n
}
