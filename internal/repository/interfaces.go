package repository

import (
	"context"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// AuthUserRepository provides access to auth_users.
type AuthUserRepository interface {
	// FindByEmail returns an auth user by email.
	FindByEmail(ctx context.Context, db DBTX, email string) (*domain.AuthUser, error)

	// FindByID returns an auth user by ID.
	FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.AuthUser, error)

	// Create inserts a new auth user.
	Create(ctx context.Context, db DBTX, user *domain.AuthUser) error
}

// LoginAttemptRepository provides access to login_attempts.
type LoginAttemptRepository interface {
	// Insert records a password attempt.
	Insert(ctx context.Context, db DBTX, email, ip string, success bool) error

	// CountFailuresSinceSuccess counts failed attempts after the latest success,
	// looking no further back than since.
	CountFailuresSinceSuccess(ctx context.Context, db DBTX, email string, since time.Time) (int, error)
}

// BaselineRepository provides access to user_baselines.
type BaselineRepository interface {
	// Get returns the behavioral baseline, or nil for a first-time user.
	Get(ctx context.Context, db DBTX, userID string) (*domain.UserBaseline, error)

	// Upsert writes the whole baseline.
	Upsert(ctx context.Context, db DBTX, baseline *domain.UserBaseline) error
}

// MFASecretRepository provides access to mfa_secrets.
type MFASecretRepository interface {
	// Insert deactivates any active record for the same factor and inserts rec.
	// Must run inside a transaction.
	Insert(ctx context.Context, tx pgx.Tx, rec *domain.MFASecretRecord) error

	// FindActive returns the active record for a factor, or nil.
	FindActive(ctx context.Context, db DBTX, userID string, ft domain.FactorType) (*domain.MFASecretRecord, error)

	// LockActive acquires a row-level lock (SELECT FOR UPDATE) on the active record.
	LockActive(ctx context.Context, tx pgx.Tx, userID string, ft domain.FactorType) (*domain.MFASecretRecord, error)

	// UpdateState writes the mutable counters of a record.
	UpdateState(ctx context.Context, db DBTX, rec *domain.MFASecretRecord) error

	// ListActive returns every active record for a user.
	ListActive(ctx context.Context, db DBTX, userID string) ([]domain.MFASecretRecord, error)
}

// RiskEventRepository provides access to the append-only risk_events table.
type RiskEventRepository interface {
	// Insert appends a risk event.
	Insert(ctx context.Context, db DBTX, ev domain.RiskEvent) error

	// ListByUser returns events for a user, newest first.
	ListByUser(ctx context.Context, db DBTX, userID string, limit int) ([]domain.RiskEvent, error)
}

// OutboxRepository provides access to the event_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event (within the same transaction as the state change).
	Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error

	// FetchUnpublished returns unpublished events for the outbox poller.
	FetchUnpublished(ctx context.Context, db DBTX, limit int) ([]domain.OutboxDraft, error)

	// MarkPublished deletes published events.
	MarkPublished(ctx context.Context, db DBTX, ids []int64) error

	// CountPending returns the number of events still waiting for the relay.
	CountPending(ctx context.Context, db DBTX) (int, error)
}
