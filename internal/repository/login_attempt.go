package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
)

type loginAttemptRepo struct{}

// NewLoginAttemptRepository returns a pgx-backed LoginAttemptRepository.
func NewLoginAttemptRepository() LoginAttemptRepository {
	return &loginAttemptRepo{}
}

// Insert stores the attempt under the canonical email, so case and
// whitespace variants of one address share a failure streak.
func (r *loginAttemptRepo) Insert(ctx context.Context, db DBTX, email, ip string, success bool) error {
	_, err := db.Exec(ctx,
		`INSERT INTO login_attempts (email, ip_address, success) VALUES ($1, $2, $3)`,
		domain.NormalizeEmail(email), ip, success)
	if err != nil {
		return fmt.Errorf("insert login attempt: %w", err)
	}
	return nil
}

func (r *loginAttemptRepo) CountFailuresSinceSuccess(ctx context.Context, db DBTX, email string, since time.Time) (int, error) {
	var n int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM login_attempts
		WHERE email = $1
		  AND success = false
		  AND created_at > GREATEST($2::timestamptz, COALESCE(
		      (SELECT MAX(created_at) FROM login_attempts WHERE email = $1 AND success = true),
		      $2::timestamptz))`,
		domain.NormalizeEmail(email), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count login failures: %w", err)
	}
	return n, nil
}
