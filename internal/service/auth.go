package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adaptiveauth/rba/internal/auth"
	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RiskEvaluator scores, decides and audits one login.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, userID string, sc domain.SignalContext) domain.Evaluation
}

// StepUpProtocol is the adaptive MFA surface the orchestrator drives.
type StepUpProtocol interface {
	Register(ctx context.Context, userID string, ft domain.FactorType, secret string) (*domain.MFASecretRecord, error)
	Factors(ctx context.Context, userID string) ([]domain.MFASecretRecord, error)
	IssueChallenge(ctx context.Context, required []domain.FactorType) (*domain.MFAChallenge, error)
	VerifyFactors(ctx context.Context, userID string, proofs []domain.Proof, nonce string, required []domain.FactorType) (domain.MultiFactorResult, error)
}

// LoginAttempts records password outcomes and reports consecutive failures.
type LoginAttempts interface {
	Record(ctx context.Context, email, ip string, success bool) error
	ConsecutiveFailures(ctx context.Context, email string) int
}

// AuthService orchestrates password login, risk evaluation and step-up MFA.
type AuthService struct {
	db        repository.DBTX
	users     repository.AuthUserRepository
	baselines repository.BaselineRepository
	outbox    repository.OutboxRepository
	attempts  LoginAttempts
	risk      RiskEvaluator
	mfa       StepUpProtocol
	jwtMgr    *auth.JWTManager
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(
	db repository.DBTX,
	users repository.AuthUserRepository,
	baselines repository.BaselineRepository,
	outbox repository.OutboxRepository,
	attempts LoginAttempts,
	risk RiskEvaluator,
	mfa StepUpProtocol,
	jwtMgr *auth.JWTManager,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		db:        db,
		users:     users,
		baselines: baselines,
		outbox:    outbox,
		attempts:  attempts,
		risk:      risk,
		mfa:       mfa,
		jwtMgr:    jwtMgr,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterInput holds the registration request fields.
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is returned when a session is issued.
type AuthResult struct {
	Token  string    `json:"token"`
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
}

// Register creates a new user account. Registration does not issue a
// session; the first login is risk-evaluated like any other.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*domain.AuthUser, error) {
	input.Email = domain.NormalizeEmail(input.Email)
	if err := domain.ValidateEmail(input.Email); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	if err := domain.ValidatePassword(input.Password); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}

	existing, err := s.users.FindByEmail(ctx, s.db, input.Email)
	if err != nil {
		return nil, domain.ErrInternal("find user", err)
	}
	if existing != nil {
		return nil, domain.ErrConflict("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, domain.ErrInternal("hash password", err)
	}

	user := &domain.AuthUser{
		ID:           uuid.New(),
		Email:        input.Email,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, s.db, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, domain.ErrConflict("email already registered")
		}
		return nil, domain.ErrInternal("create auth user", err)
	}
	return user, nil
}

// LoginInput holds the credentials and the client-collected signals.
type LoginInput struct {
	Email     string                  `json:"email"`
	Password  string                  `json:"password"`
	DeviceID  string                  `json:"device_id"`
	Location  *domain.GeoPoint        `json:"location,omitempty"`
	Keystroke *domain.KeystrokeSample `json:"keystroke,omitempty"`
	IP        string                  `json:"-"`
}

// FactorChallenge tells the client which salt to prove a factor against.
type FactorChallenge struct {
	FactorType domain.FactorType `json:"factor_type"`
	Salt       string            `json:"salt"`
}

// ChallengeResult describes an issued step-up challenge.
type ChallengeResult struct {
	ChallengeID uuid.UUID         `json:"challenge_id"`
	Nonce       string            `json:"nonce"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Factors     []FactorChallenge `json:"factors"`
}

// LoginResult is the outcome of a login that was not denied. Exactly one of
// Session or StepUp is set, matching Action.
type LoginResult struct {
	Action          domain.Action    `json:"action"`
	RiskLevel       domain.RiskLevel `json:"risk_level"`
	SuggestedAction string           `json:"suggested_action"`
	Session         *AuthResult      `json:"session,omitempty"`
	StepUpToken     string           `json:"stepup_token,omitempty"`
	Challenge       *ChallengeResult `json:"challenge,omitempty"`
}

// Login authenticates the password, evaluates the login risk and either
// issues a session, starts a step-up, or denies. Denials never carry the
// risk breakdown.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if input.DeviceID == "" {
		return nil, domain.ErrValidation("device_id is required")
	}
	if err := domain.ValidateGeoPoint(input.Location); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}

	email := domain.NormalizeEmail(input.Email)
	user, err := s.users.FindByEmail(ctx, s.db, email)
	if err != nil {
		return nil, domain.ErrInternal("find user", err)
	}
	if user == nil {
		s.recordAttempt(ctx, email, input.IP, false)
		return nil, domain.ErrUnauthorized("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		s.recordAttempt(ctx, email, input.IP, false)
		return nil, domain.ErrUnauthorized("invalid credentials")
	}

	userID := user.ID.String()
	baseline, err := s.baselines.Get(ctx, s.db, userID)
	if err != nil {
		// Scoring proceeds as a first-use context.
		s.logger.Warn("baseline unavailable", "user_id", userID, "error", err)
		baseline = nil
	}

	obs := domain.LoginObservation{
		DeviceID:  input.DeviceID,
		Location:  input.Location,
		Keystroke: input.Keystroke,
		At:        s.now(),
	}
	sc := domain.BuildSignalContext(s.attempts.ConsecutiveFailures(ctx, user.Email), obs, baseline)
	eval := s.risk.Evaluate(ctx, userID, sc)

	result := &LoginResult{
		Action:          eval.Decision.Action,
		RiskLevel:       eval.Decision.RiskLevel,
		SuggestedAction: eval.Decision.SuggestedAction,
	}

	switch eval.Decision.Action {
	case domain.ActionAllow:
		session, err := s.issueSession(ctx, user, obs, baseline, input.IP, false)
		if err != nil {
			return nil, err
		}
		result.Session = session
		return result, nil

	case domain.ActionMFARequired:
		token, ch, err := s.startStepUp(ctx, user, obs, eval.EventID)
		if err != nil {
			return nil, err
		}
		result.StepUpToken = token
		result.Challenge = ch
		return result, nil

	default:
		s.logger.Warn("login blocked", "user_id", userID, "event_id", eval.EventID, "score", eval.Score)
		return nil, domain.ErrAccessDenied()
	}
}

// startStepUp challenges every factor the user has enrolled. A user with no
// enrolled factor cannot step up, so the login is denied.
func (s *AuthService) startStepUp(ctx context.Context, user *domain.AuthUser, obs domain.LoginObservation, eventID uuid.UUID) (string, *ChallengeResult, error) {
	userID := user.ID.String()
	recs, err := s.mfa.Factors(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if len(recs) == 0 {
		s.logger.Warn("step-up required but no factor enrolled", "user_id", userID, "event_id", eventID)
		return "", nil, domain.ErrAccessDenied()
	}

	required := make([]domain.FactorType, 0, len(recs))
	for _, r := range recs {
		required = append(required, r.FactorType)
	}
	ch, err := s.mfa.IssueChallenge(ctx, required)
	if err != nil {
		return "", nil, err
	}

	token, err := s.jwtMgr.GenerateStepUpToken(user.ID, user.Email, auth.StepUpClaims{
		ChallengeID: ch.ID,
		Nonce:       ch.Nonce,
		RiskEventID: eventID,
		DeviceID:    obs.DeviceID,
		Location:    obs.Location,
		Keystroke:   obs.Keystroke,
	})
	if err != nil {
		return "", nil, domain.ErrInternal("generate step-up token", err)
	}
	return token, challengeResult(ch, recs), nil
}

// StepUpInput holds the step-up token and one proof per challenged factor.
type StepUpInput struct {
	StepUpToken string         `json:"stepup_token"`
	Proofs      []domain.Proof `json:"proofs"`
	IP          string         `json:"-"`
}

// StepUpResult is the outcome of a step-up attempt. Session is set only
// when every challenged factor verified.
type StepUpResult struct {
	Verified bool                     `json:"verified"`
	Result   domain.MultiFactorResult `json:"result"`
	Session  *AuthResult              `json:"session,omitempty"`
}

// VerifyStepUp completes a pending step-up. The challenge is consumed by the
// attempt; a failed step-up requires a new login.
func (s *AuthService) VerifyStepUp(ctx context.Context, input StepUpInput) (*StepUpResult, error) {
	claims, err := s.jwtMgr.ValidateTokenForRealm(input.StepUpToken, auth.RealmStepUp)
	if err != nil {
		return nil, domain.ErrUnauthorized("invalid step-up token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, domain.ErrUnauthorized("invalid step-up token")
	}
	su := claims.StepUp

	mfaResult, err := s.mfa.VerifyFactors(ctx, userID.String(), input.Proofs, su.Nonce, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, domain.NewStepUpEvent(userID.String(), mfaResult, s.now()))

	out := &StepUpResult{Verified: mfaResult.Valid, Result: mfaResult}
	if !mfaResult.Valid {
		s.logger.Info("step-up failed", "user_id", userID, "risk_event_id", su.RiskEventID, "failures", len(mfaResult.Failures))
		s.recordAttempt(ctx, claims.Email, input.IP, false)
		return out, nil
	}

	user := &domain.AuthUser{ID: userID, Email: claims.Email}
	obs := domain.LoginObservation{
		DeviceID:  su.DeviceID,
		Location:  su.Location,
		Keystroke: su.Keystroke,
		At:        s.now(),
	}
	baseline, err := s.baselines.Get(ctx, s.db, userID.String())
	if err != nil {
		s.logger.Warn("baseline unavailable", "user_id", userID, "error", err)
		baseline = nil
	}
	session, err := s.issueSession(ctx, user, obs, baseline, input.IP, true)
	if err != nil {
		return nil, err
	}
	out.Session = session
	return out, nil
}

// issueSession records the successful login, folds it into the user's
// baseline and signs a session token.
func (s *AuthService) issueSession(ctx context.Context, user *domain.AuthUser, obs domain.LoginObservation, baseline *domain.UserBaseline, ip string, stepUp bool) (*AuthResult, error) {
	userID := user.ID.String()
	s.recordAttempt(ctx, user.Email, ip, true)

	if err := s.baselines.Upsert(ctx, s.db, FoldObservation(baseline, userID, obs)); err != nil {
		s.logger.Error("baseline update failed", "user_id", userID, "error", err)
	}
	s.publish(ctx, domain.NewSessionCreatedEvent(userID, obs.DeviceID, stepUp, obs.At))

	token, err := s.jwtMgr.GenerateToken(user.ID, user.Email)
	if err != nil {
		return nil, domain.ErrInternal("generate token", err)
	}
	return &AuthResult{Token: token, UserID: user.ID, Email: user.Email}, nil
}

// FactorInput holds a factor enrollment request.
type FactorInput struct {
	FactorType domain.FactorType `json:"factor_type"`
	Secret     string            `json:"secret"`
}

// FactorInfo describes an enrolled factor without its commitment.
type FactorInfo struct {
	SecretID   uuid.UUID         `json:"secret_id"`
	FactorType domain.FactorType `json:"factor_type"`
	Salt       string            `json:"salt"`
	CreatedAt  time.Time         `json:"created_at"`
}

// RegisterFactor enrolls a factor for an authenticated user.
func (s *AuthService) RegisterFactor(ctx context.Context, userID string, input FactorInput) (*FactorInfo, error) {
	rec, err := s.mfa.Register(ctx, userID, input.FactorType, input.Secret)
	if err != nil {
		return nil, err
	}
	return &FactorInfo{SecretID: rec.ID, FactorType: rec.FactorType, Salt: rec.Salt, CreatedAt: rec.CreatedAt}, nil
}

// IssueChallenge starts a step-up for a sensitive action. Every requested
// factor must be enrolled.
func (s *AuthService) IssueChallenge(ctx context.Context, userID string, factors []domain.FactorType) (*ChallengeResult, error) {
	recs, err := s.mfa.Factors(ctx, userID)
	if err != nil {
		return nil, err
	}
	enrolled := make(map[domain.FactorType]bool, len(recs))
	for _, r := range recs {
		enrolled[r.FactorType] = true
	}
	for _, ft := range factors {
		if ft.Valid() && !enrolled[ft] {
			return nil, domain.ErrValidation("factor not enrolled: " + string(ft))
		}
	}

	ch, err := s.mfa.IssueChallenge(ctx, factors)
	if err != nil {
		return nil, err
	}
	return challengeResult(ch, recs), nil
}

// VerifyChallengeInput answers a challenge issued by IssueChallenge.
type VerifyChallengeInput struct {
	Nonce  string         `json:"nonce"`
	Proofs []domain.Proof `json:"proofs"`
}

// VerifyChallenge verifies a sensitive-action challenge for an authenticated user.
func (s *AuthService) VerifyChallenge(ctx context.Context, userID string, input VerifyChallengeInput) (domain.MultiFactorResult, error) {
	if input.Nonce == "" {
		return domain.MultiFactorResult{}, domain.ErrValidation("nonce is required")
	}
	res, err := s.mfa.VerifyFactors(ctx, userID, input.Proofs, input.Nonce, nil)
	if err != nil {
		return domain.MultiFactorResult{}, err
	}
	s.publish(ctx, domain.NewStepUpEvent(userID, res, s.now()))
	return res, nil
}

func challengeResult(ch *domain.MFAChallenge, recs []domain.MFASecretRecord) *ChallengeResult {
	salts := make(map[domain.FactorType]string, len(recs))
	for _, r := range recs {
		salts[r.FactorType] = r.Salt
	}
	out := &ChallengeResult{
		ChallengeID: ch.ID,
		Nonce:       ch.Nonce,
		ExpiresAt:   ch.ExpiresAt,
		Factors:     make([]FactorChallenge, 0, len(ch.RequiredFactors)),
	}
	for _, ft := range ch.RequiredFactors {
		out.Factors = append(out.Factors, FactorChallenge{FactorType: ft, Salt: salts[ft]})
	}
	return out
}

func (s *AuthService) recordAttempt(ctx context.Context, email, ip string, success bool) {
	if err := s.attempts.Record(ctx, email, ip, success); err != nil {
		s.logger.Error("record login attempt", "email", email, "success", success, "error", err)
	}
}

// publish writes an outbox event. These events are informational; the risk
// event itself is persisted by the audit sink.
func (s *AuthService) publish(ctx context.Context, draft domain.OutboxDraft) {
	if err := s.outbox.Insert(ctx, s.db, draft); err != nil {
		s.logger.Error("outbox insert failed", "event_type", draft.EventType, "error", err)
	}
}
