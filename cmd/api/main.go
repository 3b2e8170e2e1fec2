package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adaptiveauth/rba/internal/app"
	"github.com/adaptiveauth/rba/internal/handler"
	"github.com/adaptiveauth/rba/internal/infra"
	"github.com/adaptiveauth/rba/internal/metrics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const sweepInterval = time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := infra.RunMigrations(cfg.DSN(), cfg.MigrationsDir, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Connect to Postgres
	pool, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to postgres")

	checks := map[string]handler.Pinger{
		"postgres": func(ctx context.Context) error { return infra.HealthCheck(ctx, pool) },
	}

	// Challenges and nullifiers must be shared across instances unless explicitly in-memory.
	var rdb redis.UniversalClient
	if cfg.ChallengeStore == "redis" {
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		rdb = client
		checks["redis"] = func(ctx context.Context) error { return infra.RedisHealthCheck(ctx, client) }
		logger.Info("connected to redis")
	} else {
		logger.Warn("mfa challenges kept in memory; run a single instance only")
	}

	c := app.Build(cfg, pool, rdb, logger)
	logger.Info("risk engine ready", "policy_mode", cfg.PolicyMode, "challenge_store", cfg.ChallengeStore)

	router := app.NewRouter(app.RouterDeps{
		AuthSvc:      c.AuthSvc,
		JWTMgr:       c.JWTMgr,
		LoginLimiter: c.LoginLimiter,
		HealthChecks: checks,
		CORSOrigins:  cfg.CORSAllowedOrigins,
		ServeMetrics: cfg.MetricsPort == 0,
		Logger:       logger,
	})

	servers := []*http.Server{{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
	if cfg.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	// Deferred audit events
	g.Go(func() error { return c.Recorder.Start(gctx) })

	// Idle limiter and expired challenge cleanup
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := c.LoginLimiter.Sweep(); n > 0 {
					logger.Debug("rate limiter swept", "removed", n)
				}
				if c.MemoryChallenges != nil {
					c.MemoryChallenges.Sweep()
				}
			}
		}
	})

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("http server starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped gracefully", "audit_pending", c.Recorder.Pending())
	return nil
}
