package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/jackc/pgx/v5"
)

const mfaSecretColumns = `id, user_id, factor_type, commitment, salt, is_active,
	failed_attempts, locked_until, last_used, created_at`

type mfaSecretRepo struct{}

// NewMFASecretRepository returns a pgx-backed MFASecretRepository.
func NewMFASecretRepository() MFASecretRepository {
	return &mfaSecretRepo{}
}

func (r *mfaSecretRepo) Insert(ctx context.Context, tx pgx.Tx, rec *domain.MFASecretRecord) error {
	_, err := tx.Exec(ctx, `
		UPDATE mfa_secrets SET is_active = false
		WHERE user_id = $1 AND factor_type = $2 AND is_active`,
		rec.UserID, string(rec.FactorType))
	if err != nil {
		return fmt.Errorf("deactivate previous factor: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO mfa_secrets (`+mfaSecretColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.UserID, string(rec.FactorType), rec.Commitment, rec.Salt, rec.IsActive,
		rec.FailedAttempts, rec.LockedUntil, rec.LastUsed, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert factor: %w", err)
	}
	return nil
}

func (r *mfaSecretRepo) FindActive(ctx context.Context, db DBTX, userID string, ft domain.FactorType) (*domain.MFASecretRecord, error) {
	row := db.QueryRow(ctx, `
		SELECT `+mfaSecretColumns+`
		FROM mfa_secrets WHERE user_id = $1 AND factor_type = $2 AND is_active`,
		userID, string(ft))
	return scanMFASecret(row)
}

func (r *mfaSecretRepo) LockActive(ctx context.Context, tx pgx.Tx, userID string, ft domain.FactorType) (*domain.MFASecretRecord, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+mfaSecretColumns+`
		FROM mfa_secrets WHERE user_id = $1 AND factor_type = $2 AND is_active
		FOR UPDATE`,
		userID, string(ft))
	return scanMFASecret(row)
}

func (r *mfaSecretRepo) UpdateState(ctx context.Context, db DBTX, rec *domain.MFASecretRecord) error {
	tag, err := db.Exec(ctx, `
		UPDATE mfa_secrets
		SET failed_attempts = $2, locked_until = $3, last_used = $4
		WHERE id = $1`,
		rec.ID, rec.FailedAttempts, rec.LockedUntil, rec.LastUsed)
	if err != nil {
		return fmt.Errorf("update factor state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound("factor", rec.ID.String())
	}
	return nil
}

func (r *mfaSecretRepo) ListActive(ctx context.Context, db DBTX, userID string) ([]domain.MFASecretRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT `+mfaSecretColumns+`
		FROM mfa_secrets WHERE user_id = $1 AND is_active
		ORDER BY factor_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("list factors: %w", err)
	}
	defer rows.Close()

	var out []domain.MFASecretRecord
	for rows.Next() {
		rec, err := scanMFASecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanMFASecret(row pgx.Row) (*domain.MFASecretRecord, error) {
	rec := &domain.MFASecretRecord{}
	var ft string
	err := row.Scan(&rec.ID, &rec.UserID, &ft, &rec.Commitment, &rec.Salt, &rec.IsActive,
		&rec.FailedAttempts, &rec.LockedUntil, &rec.LastUsed, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan factor: %w", err)
	}
	rec.FactorType = domain.FactorType(ft)
	return rec, nil
}
