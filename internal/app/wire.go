package app

import (
	"log/slog"
	"time"

	"github.com/adaptiveauth/rba/internal/audit"
	"github.com/adaptiveauth/rba/internal/auth"
	"github.com/adaptiveauth/rba/internal/guard"
	"github.com/adaptiveauth/rba/internal/handler"
	"github.com/adaptiveauth/rba/internal/infra"
	"github.com/adaptiveauth/rba/internal/metrics"
	"github.com/adaptiveauth/rba/internal/mfa"
	"github.com/adaptiveauth/rba/internal/policy"
	"github.com/adaptiveauth/rba/internal/repository"
	"github.com/adaptiveauth/rba/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Components are the long-lived pieces cmd/api wires together and runs.
type Components struct {
	AuthSvc      *service.AuthService
	Engine       *policy.Engine
	Protocol     *mfa.Protocol
	Recorder     *audit.Recorder
	JWTMgr       *auth.JWTManager
	LoginLimiter *guard.RateLimiter
	// MemoryChallenges is set when challenges are kept in-process and need sweeping.
	MemoryChallenges *mfa.MemoryChallengeStore
}

// ScoringConfig applies the configured overrides to the reference scoring constants.
func ScoringConfig(cfg *infra.Config) policy.ScoringConfig {
	sc := policy.DefaultScoringConfig()
	if cfg.RiskGPSRadiusKm > 0 {
		sc.GPSRadiusKm = cfg.RiskGPSRadiusKm
	}
	if cfg.RiskMaxTravelKmh > 0 {
		sc.MaxTravelKmh = cfg.RiskMaxTravelKmh
	}
	if cfg.RiskTypingDeadZone >= 0 {
		sc.TypingDeadZone = cfg.RiskTypingDeadZone
	}
	return sc
}

// MFAConfig maps the environment onto the lockout and timing policy.
func MFAConfig(cfg *infra.Config) mfa.Config {
	mc := mfa.DefaultConfig()
	mc.LockThreshold = cfg.MFALockThreshold
	mc.LockDuration = cfg.MFALockDuration
	mc.ChallengeTTL = cfg.MFAChallengeTTL
	mc.ProofFreshness = cfg.MFAProofFreshness
	return mc
}

// Build assembles repositories, the risk engine, the MFA protocol and the
// orchestrator. A nil rdb keeps challenges in process memory.
func Build(cfg *infra.Config, pool *pgxpool.Pool, rdb redis.UniversalClient, logger *slog.Logger) *Components {
	// Repositories
	userRepo := repository.NewPgAuthUserRepository()
	attemptRepo := repository.NewLoginAttemptRepository()
	baselineRepo := repository.NewBaselineRepository()
	secretRepo := repository.NewMFASecretRepository()
	riskRepo := repository.NewRiskEventRepository()
	outboxRepo := repository.NewOutboxRepository()

	// Risk engine
	var delegate policy.Evaluator
	if cfg.PolicyMode == "delegated" {
		breaker := guard.NewCircuitBreaker(cfg.PolicyBreakerThreshold, cfg.PolicyBreakerReset)
		delegate = policy.NewRemoteEvaluator(cfg.PolicyURL, cfg.PolicyTimeout, breaker)
	}
	recorder := audit.NewRecorder(audit.NewPostgresWriter(pool, riskRepo, outboxRepo), cfg.AuditBacklogSize, logger)
	engine := policy.NewEngine(
		policy.NewScorer(ScoringConfig(cfg)),
		policy.NewDecisionPoint(delegate, logger),
		recorder,
		logger,
	)

	// MFA
	c := &Components{Engine: engine, Recorder: recorder}
	var challenges mfa.ChallengeStore
	if rdb != nil {
		challenges = mfa.NewRedisChallengeStore(rdb, "rba:mfa")
	} else {
		c.MemoryChallenges = mfa.NewMemoryChallengeStore()
		challenges = c.MemoryChallenges
	}
	c.Protocol = mfa.NewProtocol(mfa.NewPostgresSecretStore(pool, secretRepo, outboxRepo), challenges, MFAConfig(cfg), logger)

	// Orchestrator
	c.JWTMgr = auth.NewJWTManager(cfg.JWTSecret, cfg.JWTUserExpiry, cfg.JWTStepUpExpiry)
	c.AuthSvc = service.NewAuthService(
		pool,
		userRepo,
		baselineRepo,
		outboxRepo,
		guard.NewAttemptTracker(attemptRepo, pool),
		engine,
		c.Protocol,
		c.JWTMgr,
		logger,
	)
	c.LoginLimiter = guard.NewRateLimiter(cfg.LoginRateLimit, time.Minute)
	return c
}

// RouterDeps holds all dependencies needed by NewRouter.
type RouterDeps struct {
	AuthSvc      handler.AuthAPI
	JWTMgr       *auth.JWTManager
	LoginLimiter *guard.RateLimiter
	HealthChecks map[string]handler.Pinger
	CORSOrigins  string
	ServeMetrics bool
	Logger       *slog.Logger
}

// NewRouter assembles the chi.Router with all routes and middleware.
func NewRouter(deps RouterDeps) chi.Router {
	authHandler := handler.NewAuthHandler(deps.AuthSvc)

	r := chi.NewRouter()

	// Global middleware (order matters)
	r.Use(handler.Recovery(deps.Logger))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(deps.Logger))
	r.Use(handler.Metrics)
	r.Use(handler.CORSWithOrigins(deps.CORSOrigins))

	// Health and metrics (no auth)
	r.With(handler.JSONContentType).Get("/health", handler.HealthHandler(deps.HealthChecks))
	if deps.ServeMetrics {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(handler.JSONContentType)
		r.Use(handler.RateLimit(deps.LoginLimiter))

		// Auth routes (no session)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/mfa/verify", authHandler.VerifyStepUp)
		})

		// Session-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(auth.AuthenticateUser(deps.JWTMgr))

			r.Route("/mfa", func(r chi.Router) {
				r.Post("/factors", authHandler.RegisterFactor)
				r.Post("/challenges", authHandler.IssueChallenge)
				r.Post("/challenges/verify", authHandler.VerifyChallenge)
			})
		})
	})

	return r
}
