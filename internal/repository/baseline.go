package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/jackc/pgx/v5"
)

type baselineRepo struct{}

// NewBaselineRepository returns a pgx-backed BaselineRepository.
func NewBaselineRepository() BaselineRepository {
	return &baselineRepo{}
}

func (r *baselineRepo) Get(ctx context.Context, db DBTX, userID string) (*domain.UserBaseline, error) {
	var (
		devices, history         []byte
		keystroke, window, login []byte
	)
	err := db.QueryRow(ctx, `
		SELECT known_devices, location_history, keystroke_baseline, activity_window, last_login
		FROM user_baselines WHERE user_id = $1`, userID).
		Scan(&devices, &history, &keystroke, &window, &login)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline: %w", err)
	}

	b := &domain.UserBaseline{UserID: userID}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{devices, &b.KnownDevices},
		{history, &b.LocationHistory},
		{keystroke, &b.KeystrokeBaseline},
		{window, &b.ActivityWindow},
		{login, &b.LastLogin},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode baseline: %w", err)
		}
	}
	return b, nil
}

func (r *baselineRepo) Upsert(ctx context.Context, db DBTX, b *domain.UserBaseline) error {
	devices, err := json.Marshal(b.KnownDevices)
	if err != nil {
		return fmt.Errorf("encode known devices: %w", err)
	}
	history, err := json.Marshal(b.LocationHistory)
	if err != nil {
		return fmt.Errorf("encode location history: %w", err)
	}
	keystroke, err := marshalNullable(b.KeystrokeBaseline)
	if err != nil {
		return err
	}
	window, err := marshalNullable(b.ActivityWindow)
	if err != nil {
		return err
	}
	login, err := marshalNullable(b.LastLogin)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		INSERT INTO user_baselines
		  (user_id, known_devices, location_history, keystroke_baseline, activity_window, last_login, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE SET
		  known_devices      = EXCLUDED.known_devices,
		  location_history   = EXCLUDED.location_history,
		  keystroke_baseline = EXCLUDED.keystroke_baseline,
		  activity_window    = EXCLUDED.activity_window,
		  last_login         = EXCLUDED.last_login,
		  updated_at         = now()`,
		b.UserID, devices, history, keystroke, window, login)
	if err != nil {
		return fmt.Errorf("upsert baseline: %w", err)
	}
	return nil
}

// marshalNullable encodes v, mapping a nil pointer to SQL NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode baseline field: %w", err)
	}
	return b, nil
}
