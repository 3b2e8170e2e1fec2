package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/repository"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWriter appends the risk event and its outbox event in one transaction.
type PostgresWriter struct {
	pool   *pgxpool.Pool
	events repository.RiskEventRepository
	outbox repository.OutboxRepository
}

// NewPostgresWriter creates a PostgresWriter.
func NewPostgresWriter(pool *pgxpool.Pool, events repository.RiskEventRepository, outbox repository.OutboxRepository) *PostgresWriter {
	return &PostgresWriter{pool: pool, events: events, outbox: outbox}
}

// Write is idempotent on the event ID: a retry after an ambiguous commit that
// hits the primary key is treated as success.
func (w *PostgresWriter) Write(ctx context.Context, ev domain.RiskEvent) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := w.events.Insert(ctx, tx, ev); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	if err := w.outbox.Insert(ctx, tx, domain.NewRiskEvaluatedEvent(ev)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit risk event: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
