package mfa

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		code     string
		conflict bool
	}{
		{"40001", true},
		{"40P01", true},
		{"55P03", true},
		{"23505", true},
		{"23503", false},
		{"42P01", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyPgError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: tt.code, Message: "boom"}))
			assert.Equal(t, tt.conflict, errors.Is(err, domain.ErrConcurrencyConflict))
		})
	}

	plain := errors.New("connection reset")
	assert.Same(t, plain, classifyPgError(plain))
}

func TestNewlyLocked(t *testing.T) {
	at := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	later := at.Add(time.Minute)

	assert.False(t, newlyLocked(nil, nil))
	assert.True(t, newlyLocked(nil, &at))
	assert.False(t, newlyLocked(&at, &at))
	assert.True(t, newlyLocked(&at, &later))
}
