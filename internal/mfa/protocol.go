package mfa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Config holds the lockout and timing policy.
type Config struct {
	LockThreshold  int
	LockDuration   time.Duration
	ChallengeTTL   time.Duration
	ProofFreshness time.Duration
	MaxAttempts    int
}

// DefaultConfig returns the reference policy: lock after 5 failures for 30
// minutes, 5 minute challenges, 2 minute proof freshness.
func DefaultConfig() Config {
	return Config{
		LockThreshold:  5,
		LockDuration:   30 * time.Minute,
		ChallengeTTL:   5 * time.Minute,
		ProofFreshness: 2 * time.Minute,
		MaxAttempts:    5,
	}
}

// LockObserver is notified after a factor transitions to locked.
type LockObserver func(ctx context.Context, ev domain.FactorLockEvent)

// Protocol implements factor registration, challenge issuance and proof
// verification with per-factor lockout.
type Protocol struct {
	secrets    SecretStore
	challenges ChallengeStore
	cfg        Config
	logger     *slog.Logger
	onLock     []LockObserver
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewProtocol creates a Protocol.
func NewProtocol(secrets SecretStore, challenges ChallengeStore, cfg Config, logger *slog.Logger) *Protocol {
	return &Protocol{
		secrets:    secrets,
		challenges: challenges,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return b
		},
	}
}

// OnLock registers an observer for lock transitions.
func (p *Protocol) OnLock(fn LockObserver) {
	p.onLock = append(p.onLock, fn)
}

// Register enrolls a factor and returns the new record. Any previously active
// record for the same factor is deactivated.
func (p *Protocol) Register(ctx context.Context, userID string, ft domain.FactorType, secret string) (*domain.MFASecretRecord, error) {
	if userID == "" {
		return nil, domain.ErrValidation("user id is required")
	}
	if err := domain.ValidateFactorSecret(ft, secret); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, domain.ErrInternal("generate salt", err)
	}

	rec := &domain.MFASecretRecord{
		ID:         uuid.New(),
		UserID:     userID,
		FactorType: ft,
		Commitment: Commit(secret, salt),
		Salt:       salt,
		IsActive:   true,
		CreatedAt:  p.now(),
	}
	// Concurrent enrollments of one factor race on the active-factor index;
	// the loser retries and deactivates the winner's row.
	op := func() error {
		err := p.secrets.Register(ctx, rec)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			metrics.MFAConflictRetriesTotal.Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(max(0, p.cfg.MaxAttempts-1))), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, domain.ErrRetryExhausted(err)
		}
		return nil, domain.ErrInternal("register factor", err)
	}
	p.logger.Info("mfa factor registered", "user_id", userID, "factor", ft, "secret_id", rec.ID)
	return rec, nil
}

// Factors returns the user's active factors.
func (p *Protocol) Factors(ctx context.Context, userID string) ([]domain.MFASecretRecord, error) {
	recs, err := p.secrets.ListActive(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("list factors", err)
	}
	return recs, nil
}

// IssueChallenge creates a single-use challenge for the given factors.
func (p *Protocol) IssueChallenge(ctx context.Context, required []domain.FactorType) (*domain.MFAChallenge, error) {
	factors, err := normalizeFactors(required)
	if err != nil {
		return nil, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, domain.ErrInternal("generate nonce", err)
	}

	now := p.now()
	ch := &domain.MFAChallenge{
		ID:              uuid.New(),
		Nonce:           nonce,
		RequiredFactors: factors,
		IssuedAt:        now,
		ExpiresAt:       now.Add(p.cfg.ChallengeTTL),
	}
	if err := p.challenges.Save(ctx, ch, p.cfg.ChallengeTTL); err != nil {
		return nil, domain.ErrInternal("save challenge", err)
	}
	return ch, nil
}

// normalizeFactors validates and deduplicates, returning factors in canonical order.
func normalizeFactors(in []domain.FactorType) ([]domain.FactorType, error) {
	if len(in) == 0 {
		return nil, domain.ErrValidation("at least one factor is required")
	}
	want := make(map[domain.FactorType]bool, len(in))
	for _, ft := range in {
		if !ft.Valid() {
			return nil, domain.ErrValidation(fmt.Sprintf("unsupported factor type: %q", ft))
		}
		want[ft] = true
	}
	out := make([]domain.FactorType, 0, len(want))
	for _, ft := range domain.AllFactorTypes {
		if want[ft] {
			out = append(out, ft)
		}
	}
	return out, nil
}

// Verify checks one proof against the expected challenge nonce. The gates run
// in order under exclusive access to the factor record: not_found, locked,
// challenge_mismatch, expired, proof_invalid, already_consumed. Mismatched and
// invalid proofs count towards the lockout; locked and expired ones do not.
func (p *Protocol) Verify(ctx context.Context, userID string, proof domain.Proof, expectedNonce string) (domain.VerifyResult, error) {
	var (
		res    domain.VerifyResult
		lockEv *domain.FactorLockEvent
	)
	op := func() error {
		res, lockEv = domain.VerifyResult{}, nil
		err := p.secrets.Update(ctx, userID, proof.FactorType, func(rec *domain.MFASecretRecord) (bool, error) {
			var (
				persist bool
				err     error
			)
			res, lockEv, persist, err = p.check(ctx, rec, proof, expectedNonce)
			return persist, err
		})
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			metrics.MFAConflictRetriesTotal.Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(max(0, p.cfg.MaxAttempts-1))), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			p.logger.Warn("mfa verification retries exhausted", "user_id", userID, "factor", proof.FactorType)
			return domain.VerifyResult{}, domain.ErrRetryExhausted(err)
		}
		return domain.VerifyResult{}, domain.ErrInternal("verify factor", err)
	}

	result := "valid"
	if !res.Valid {
		result = res.Reason
	}
	metrics.MFAVerificationsTotal.WithLabelValues(string(proof.FactorType), result).Inc()

	if lockEv != nil {
		metrics.MFALocksTotal.WithLabelValues(string(lockEv.FactorType)).Inc()
		p.logger.Warn("mfa factor locked",
			"user_id", lockEv.UserID,
			"factor", lockEv.FactorType,
			"failed_attempts", lockEv.FailedAttempts,
			"locked_until", lockEv.LockedUntil,
		)
		for _, fn := range p.onLock {
			fn(ctx, *lockEv)
		}
	}
	return res, nil
}

// check applies the verification gates to rec. It returns whether rec was
// mutated and must be persisted.
func (p *Protocol) check(ctx context.Context, rec *domain.MFASecretRecord, proof domain.Proof, expectedNonce string) (domain.VerifyResult, *domain.FactorLockEvent, bool, error) {
	now := p.now()

	if rec == nil {
		return domain.VerifyResult{Reason: domain.ReasonNotFound}, nil, false, nil
	}
	if rec.IsLocked(now) {
		return domain.VerifyResult{Reason: domain.ReasonLocked, LockedUntil: rec.LockedUntil}, nil, false, nil
	}
	if len(proof.PublicSignals) != 3 {
		res, ev := p.recordFailure(rec, now, domain.ReasonProofInvalid)
		return res, ev, true, nil
	}
	if !equalString(proof.PublicSignals[1], expectedNonce) {
		res, ev := p.recordFailure(rec, now, domain.ReasonChallengeMismatch)
		return res, ev, true, nil
	}
	signals, err := ParsePublicSignals(proof.PublicSignals)
	if err != nil {
		res, ev := p.recordFailure(rec, now, domain.ReasonProofInvalid)
		return res, ev, true, nil
	}
	if skew := now.Sub(signals.ClientTimestamp); skew > p.cfg.ProofFreshness || skew < -p.cfg.ProofFreshness {
		return domain.VerifyResult{Reason: domain.ReasonExpired}, nil, false, nil
	}
	if !validProof(rec, proof) {
		res, ev := p.recordFailure(rec, now, domain.ReasonProofInvalid)
		return res, ev, true, nil
	}

	fresh, err := p.challenges.ClaimNullifier(ctx, proof.Nullifier, p.cfg.ChallengeTTL+p.cfg.ProofFreshness)
	if err != nil {
		return domain.VerifyResult{}, nil, false, err
	}
	if !fresh {
		return domain.VerifyResult{Reason: domain.ReasonAlreadyConsumed}, nil, false, nil
	}

	rec.FailedAttempts = 0
	rec.LockedUntil = nil
	rec.LastUsed = &now
	return domain.VerifyResult{Valid: true}, nil, true, nil
}

// recordFailure increments the counter and locks the record when the
// post-increment count reaches the threshold. The counter is only reset by a
// successful verification.
func (p *Protocol) recordFailure(rec *domain.MFASecretRecord, now time.Time, reason string) (domain.VerifyResult, *domain.FactorLockEvent) {
	rec.FailedAttempts++
	res := domain.VerifyResult{Reason: reason}
	if rec.FailedAttempts < p.cfg.LockThreshold {
		return res, nil
	}

	until := now.Add(p.cfg.LockDuration)
	rec.LockedUntil = &until
	res.LockedUntil = &until
	return res, &domain.FactorLockEvent{
		UserID:         rec.UserID,
		FactorType:     rec.FactorType,
		FailedAttempts: rec.FailedAttempts,
		LockedUntil:    until,
	}
}

// VerifyFactors takes the challenge for nonce and verifies one proof per
// required factor. The required set is the challenge's factors plus any
// extra ones the caller demands. There is no partial credit: the result is
// valid only when every required factor verifies. The challenge is consumed
// by the attempt whatever its outcome.
func (p *Protocol) VerifyFactors(ctx context.Context, userID string, proofs []domain.Proof, nonce string, required []domain.FactorType) (domain.MultiFactorResult, error) {
	ch, err := p.challenges.Take(ctx, nonce)
	if err != nil {
		return domain.MultiFactorResult{}, domain.ErrInternal("load challenge", err)
	}

	var want []domain.FactorType
	if ch != nil {
		want = append(want, ch.RequiredFactors...)
	}
	want = append(want, required...)
	var factors []domain.FactorType
	if len(want) > 0 {
		if factors, err = normalizeFactors(want); err != nil {
			return domain.MultiFactorResult{}, err
		}
	}

	result := domain.MultiFactorResult{
		VerifiedFactors: []domain.FactorType{},
		MissingFactors:  []domain.FactorType{},
	}

	if ch == nil || ch.Expired(p.now()) {
		reason := domain.ReasonExpired
		if ch == nil {
			reason = domain.ReasonChallengeMismatch
		}
		for _, ft := range factors {
			result.MissingFactors = append(result.MissingFactors, ft)
			result.Failures = append(result.Failures, domain.FactorFailure{FactorType: ft, Reason: reason})
		}
		return result, nil
	}

	byFactor := make(map[domain.FactorType]domain.Proof, len(proofs))
	for _, pr := range proofs {
		if _, dup := byFactor[pr.FactorType]; !dup {
			byFactor[pr.FactorType] = pr
		}
	}

	for _, ft := range factors {
		pr, ok := byFactor[ft]
		if !ok {
			result.MissingFactors = append(result.MissingFactors, ft)
			result.Failures = append(result.Failures, domain.FactorFailure{FactorType: ft, Reason: domain.ReasonMissing})
			continue
		}
		res, err := p.Verify(ctx, userID, pr, ch.Nonce)
		if err != nil {
			return domain.MultiFactorResult{}, err
		}
		if res.Valid {
			result.VerifiedFactors = append(result.VerifiedFactors, ft)
			continue
		}
		result.MissingFactors = append(result.MissingFactors, ft)
		result.Failures = append(result.Failures, domain.FactorFailure{FactorType: ft, Reason: res.Reason})
	}

	result.Valid = len(result.MissingFactors) == 0
	return result, nil
}
