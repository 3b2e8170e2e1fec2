package infra

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5435"`
	PGUser      string `env:"PGUSER" envDefault:"rba"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"rba"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"rba"`

	DBMaxConns       int           `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns       int           `env:"DB_MIN_CONNS" envDefault:"2"`
	DBConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"10s"`
	MigrationsDir    string        `env:"MIGRATIONS_DIR"`

	// Redis
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6380"`
	ChallengeStore string `env:"CHALLENGE_STORE" envDefault:"redis"`

	// JWT
	JWTSecret       string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	JWTUserExpiry   time.Duration `env:"JWT_USER_EXPIRY" envDefault:"24h"`
	JWTStepUpExpiry time.Duration `env:"JWT_STEPUP_EXPIRY" envDefault:"5m"`

	// Server ports
	APIPort     int `env:"API_PORT" envDefault:"3100"`
	MetricsPort int `env:"METRICS_PORT" envDefault:"0"` // 0 serves /metrics on the API port

	// Kafka
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`

	// Outbox relay
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"500ms"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`

	// Policy decision point
	PolicyMode             string        `env:"POLICY_MODE" envDefault:"threshold"`
	PolicyURL              string        `env:"POLICY_URL"`
	PolicyTimeout          time.Duration `env:"POLICY_TIMEOUT" envDefault:"500ms"`
	PolicyBreakerThreshold int           `env:"POLICY_BREAKER_THRESHOLD" envDefault:"5"`
	PolicyBreakerReset     time.Duration `env:"POLICY_BREAKER_RESET" envDefault:"30s"`

	// Risk scoring
	RiskGPSRadiusKm    float64 `env:"RISK_GPS_RADIUS_KM" envDefault:"50"`
	RiskMaxTravelKmh   float64 `env:"RISK_MAX_TRAVEL_KMH" envDefault:"1000"`
	RiskTypingDeadZone float64 `env:"RISK_TYPING_DEAD_ZONE" envDefault:"1.0"`

	// MFA
	MFALockThreshold  int           `env:"MFA_LOCK_THRESHOLD" envDefault:"5"`
	MFALockDuration   time.Duration `env:"MFA_LOCK_DURATION" envDefault:"30m"`
	MFAChallengeTTL   time.Duration `env:"MFA_CHALLENGE_TTL" envDefault:"5m"`
	MFAProofFreshness time.Duration `env:"MFA_PROOF_FRESHNESS" envDefault:"2m"`

	// Guards
	LoginRateLimit int `env:"LOGIN_RATE_LIMIT" envDefault:"10"` // per client per minute

	// Audit
	AuditBacklogSize int `env:"AUDIT_BACKLOG_SIZE" envDefault:"1024"`

	// CORS
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`
}

// LoadConfig parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks for insecure or inconsistent configuration.
// Set ALLOW_INSECURE_DEFAULTS=true to bypass the secret checks (local dev only).
func (c *Config) Validate() error {
	switch c.PolicyMode {
	case "threshold":
	case "delegated":
		if c.PolicyURL == "" {
			return fmt.Errorf("POLICY_URL is required when POLICY_MODE=delegated")
		}
	default:
		return fmt.Errorf("POLICY_MODE must be threshold or delegated, got %q", c.PolicyMode)
	}
	if c.ChallengeStore != "redis" && c.ChallengeStore != "memory" {
		return fmt.Errorf("CHALLENGE_STORE must be redis or memory, got %q", c.ChallengeStore)
	}
	if c.MFALockThreshold < 1 {
		return fmt.Errorf("MFA_LOCK_THRESHOLD must be at least 1")
	}
	if c.DBMaxConns < 1 || c.DBConnectTimeout <= 0 {
		return fmt.Errorf("DB_MAX_CONNS and DB_CONNECT_TIMEOUT must be positive")
	}

	if c.AllowInsecureDefaults {
		return nil
	}
	if c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET is set to the insecure default; set a strong secret or set ALLOW_INSECURE_DEFAULTS=true for local dev")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is too short (%d chars); minimum 32 characters required", len(c.JWTSecret))
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
