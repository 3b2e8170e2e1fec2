package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adaptiveauth/rba/internal/domain"
)

type riskEventRepo struct{}

// NewRiskEventRepository returns a pgx-backed RiskEventRepository.
func NewRiskEventRepository() RiskEventRepository {
	return &riskEventRepo{}
}

// Insert appends the event. risk_events has no UPDATE path.
func (r *riskEventRepo) Insert(ctx context.Context, db DBTX, ev domain.RiskEvent) error {
	breakdown, err := json.Marshal(ev.Breakdown)
	if err != nil {
		return fmt.Errorf("encode breakdown: %w", err)
	}
	signals := ev.Signals
	if len(signals) == 0 {
		signals = json.RawMessage(`{}`)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO risk_events
		  (id, user_id, signals, risk_score, breakdown, action, risk_level, reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.UserID, signals, ev.Score, breakdown,
		string(ev.Action), string(ev.RiskLevel), ev.Reason, ev.Source, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert risk event: %w", err)
	}
	return nil
}

func (r *riskEventRepo) ListByUser(ctx context.Context, db DBTX, userID string, limit int) ([]domain.RiskEvent, error) {
	rows, err := db.Query(ctx, `
		SELECT id, user_id, signals, risk_score, breakdown, action, risk_level, reason, source, created_at
		FROM risk_events WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk events: %w", err)
	}
	defer rows.Close()

	var events []domain.RiskEvent
	for rows.Next() {
		var (
			ev                    domain.RiskEvent
			breakdown             []byte
			action, level, source string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Signals, &ev.Score, &breakdown,
			&action, &level, &ev.Reason, &source, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		if err := json.Unmarshal(breakdown, &ev.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
		ev.Action = domain.Action(action)
		ev.RiskLevel = domain.RiskLevel(level)
		ev.Source = source
		events = append(events, ev)
	}
	return events, rows.Err()
}
