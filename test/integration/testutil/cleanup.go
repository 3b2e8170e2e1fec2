//go:build integration

package testutil

import (
	"context"
	"time"
)

// CleanAll truncates every table the service writes.
func (env *TestEnv) CleanAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tables := []string{
		"event_outbox",
		"risk_events",
		"mfa_secrets",
		"user_baselines",
		"login_attempts",
		"auth_users",
	}

	for _, table := range tables {
		_, _ = env.Pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE")
	}
}
