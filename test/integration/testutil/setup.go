//go:build integration

package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/adaptiveauth/rba/internal/app"
	"github.com/adaptiveauth/rba/internal/auth"
	"github.com/adaptiveauth/rba/internal/handler"
	"github.com/adaptiveauth/rba/internal/infra"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	TestJWTSecret = "integration-test-secret-at-least-32-bytes"
	TestDBHost    = "localhost"
	TestDBPort    = 5435
	TestDBUser    = "rba"
	TestDBPass    = "rba"
	TestDBName    = "rba_test"
	TestRedisURL  = "redis://localhost:6380/15"
)

// TestEnv holds all resources for an integration test.
type TestEnv struct {
	Server     *httptest.Server
	Pool       *pgxpool.Pool
	JWTMgr     *auth.JWTManager
	Components *app.Components
	t          *testing.T
}

var (
	sharedPool *pgxpool.Pool
	poolOnce   sync.Once
	poolErr    error
)

func testDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		TestDBUser, TestDBPass, TestDBHost, TestDBPort, TestDBName)
}

func bootstrapDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		TestDBUser, TestDBPass, TestDBHost, TestDBPort, "rba")
}

func ensureTestDB() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to the main database to create the test database
	bPool, err := pgxpool.New(ctx, bootstrapDSN())
	if err != nil {
		return fmt.Errorf("connect bootstrap db: %w", err)
	}
	defer bPool.Close()

	var exists bool
	err = bPool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", TestDBName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check db exists: %w", err)
	}

	if !exists {
		_, err = bPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", TestDBName))
		if err != nil {
			return fmt.Errorf("create test db: %w", err)
		}
	}

	return nil
}

func runMigrations() error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return infra.RunMigrations(testDSN(), "", logger)
}

// SharedPool returns the migrated pool used by every integration test.
func SharedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	poolOnce.Do(func() {
		if err := ensureTestDB(); err != nil {
			poolErr = err
			return
		}
		if err := runMigrations(); err != nil {
			poolErr = fmt.Errorf("run migrations: %w", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		poolCfg, err := pgxpool.ParseConfig(testDSN())
		if err != nil {
			poolErr = fmt.Errorf("parse pool config: %w", err)
			return
		}
		poolCfg.MaxConns = 10
		poolCfg.MinConns = 1

		sharedPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			poolErr = fmt.Errorf("create pool: %w", err)
		}
	})

	if poolErr != nil {
		t.Fatalf("failed to initialize test pool: %v", poolErr)
	}
	return sharedPool
}

// NewRedis connects to the test Redis database and flushes it, skipping the
// test when Redis is not running.
func NewRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := infra.NewRedisClient(ctx, TestRedisURL)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// TestConfig returns the configuration every environment starts from.
func TestConfig() *infra.Config {
	return &infra.Config{
		ChallengeStore:         "memory",
		JWTSecret:              TestJWTSecret,
		JWTUserExpiry:          time.Hour,
		JWTStepUpExpiry:        5 * time.Minute,
		PolicyMode:             "threshold",
		PolicyTimeout:          500 * time.Millisecond,
		PolicyBreakerThreshold: 5,
		PolicyBreakerReset:     30 * time.Second,
		RiskGPSRadiusKm:        50,
		RiskMaxTravelKmh:       1000,
		RiskTypingDeadZone:     1.0,
		MFALockThreshold:       5,
		MFALockDuration:        30 * time.Minute,
		MFAChallengeTTL:        5 * time.Minute,
		MFAProofFreshness:      2 * time.Minute,
		LoginRateLimit:         1000,
		AuditBacklogSize:       64,
		CORSAllowedOrigins:     "*",
	}
}

// NewTestEnv creates a test environment with an httptest.Server backed by the
// real router and test DB. A nil rdb keeps challenges in memory.
func NewTestEnv(t *testing.T, cfg *infra.Config, rdb redis.UniversalClient) *TestEnv {
	t.Helper()
	if cfg == nil {
		cfg = TestConfig()
	}

	pool := SharedPool(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	c := app.Build(cfg, pool, rdb, logger)
	router := app.NewRouter(app.RouterDeps{
		AuthSvc:      c.AuthSvc,
		JWTMgr:       c.JWTMgr,
		LoginLimiter: c.LoginLimiter,
		HealthChecks: map[string]handler.Pinger{
			"postgres": func(ctx context.Context) error { return infra.HealthCheck(ctx, pool) },
		},
		CORSOrigins:  cfg.CORSAllowedOrigins,
		ServeMetrics: true,
		Logger:       logger,
	})

	server := httptest.NewServer(router)

	env := &TestEnv{
		Server:     server,
		Pool:       pool,
		JWTMgr:     c.JWTMgr,
		Components: c,
		t:          t,
	}

	t.Cleanup(func() {
		server.Close()
		env.CleanAll()
	})

	// Clean before test to ensure isolation
	env.CleanAll()

	return env
}
