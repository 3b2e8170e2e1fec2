package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/repository"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSecretStore serializes updates with SELECT ... FOR UPDATE on the
// active mfa_secrets row, so any number of API instances can share it.
type PostgresSecretStore struct {
	pool    *pgxpool.Pool
	secrets repository.MFASecretRepository
	outbox  repository.OutboxRepository
}

// NewPostgresSecretStore creates a store. Enrollment and lock transitions are
// written to the outbox in the same transaction.
func NewPostgresSecretStore(pool *pgxpool.Pool, secrets repository.MFASecretRepository, outbox repository.OutboxRepository) *PostgresSecretStore {
	return &PostgresSecretStore{pool: pool, secrets: secrets, outbox: outbox}
}

func (s *PostgresSecretStore) Register(ctx context.Context, rec *domain.MFASecretRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.secrets.Insert(ctx, tx, rec); err != nil {
		return classifyPgError(err)
	}
	if err := s.outbox.Insert(ctx, tx, domain.NewFactorRegisteredEvent(rec)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresSecretStore) ListActive(ctx context.Context, userID string) ([]domain.MFASecretRecord, error) {
	return s.secrets.ListActive(ctx, s.pool, userID)
}

func (s *PostgresSecretStore) Update(ctx context.Context, userID string, ft domain.FactorType, fn func(rec *domain.MFASecretRecord) (bool, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A stuck row lock surfaces as 55P03 and is retried like a conflict.
	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '2s'`); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	rec, err := s.secrets.LockActive(ctx, tx, userID, ft)
	if err != nil {
		return classifyPgError(err)
	}
	var lockedBefore *time.Time
	if rec != nil && rec.LockedUntil != nil {
		t := *rec.LockedUntil
		lockedBefore = &t
	}

	persist, err := fn(rec)
	if err != nil {
		return err
	}
	if !persist || rec == nil {
		return nil
	}

	if err := s.secrets.UpdateState(ctx, tx, rec); err != nil {
		return classifyPgError(err)
	}
	if newlyLocked(lockedBefore, rec.LockedUntil) {
		ev := domain.FactorLockEvent{
			UserID:         rec.UserID,
			FactorType:     rec.FactorType,
			FailedAttempts: rec.FailedAttempts,
			LockedUntil:    *rec.LockedUntil,
		}
		if err := s.outbox.Insert(ctx, tx, domain.NewFactorLockedEvent(ev, time.Now())); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func newlyLocked(before, after *time.Time) bool {
	if after == nil {
		return false
	}
	return before == nil || !before.Equal(*after)
}

// classifyPgError maps serialization failures, deadlocks, lock timeouts and
// a racing enrollment tripping the active-factor unique index onto
// domain.ErrConcurrencyConflict.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505":
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}
