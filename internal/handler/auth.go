package handler

import (
	"context"
	"net/http"

	"github.com/adaptiveauth/rba/internal/auth"
	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/service"
)

// AuthAPI is the orchestrator surface the HTTP layer calls.
type AuthAPI interface {
	Register(ctx context.Context, input service.RegisterInput) (*domain.AuthUser, error)
	Login(ctx context.Context, input service.LoginInput) (*service.LoginResult, error)
	VerifyStepUp(ctx context.Context, input service.StepUpInput) (*service.StepUpResult, error)
	RegisterFactor(ctx context.Context, userID string, input service.FactorInput) (*service.FactorInfo, error)
	IssueChallenge(ctx context.Context, userID string, factors []domain.FactorType) (*service.ChallengeResult, error)
	VerifyChallenge(ctx context.Context, userID string, input service.VerifyChallengeInput) (domain.MultiFactorResult, error)
}

// AuthHandler handles registration, login and step-up endpoints.
type AuthHandler struct {
	authSvc AuthAPI
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authSvc AuthAPI) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}

	user, err := h.authSvc.Register(r.Context(), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, user)
}

// Login handles POST /auth/login. A step-up answers 202 with the challenge.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input service.LoginInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	input.IP = ClientIP(r)

	result, err := h.authSvc.Login(r.Context(), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	status := http.StatusOK
	if result.Action == domain.ActionMFARequired {
		status = http.StatusAccepted
	}
	RespondJSON(w, status, result)
}

// VerifyStepUp handles POST /auth/mfa/verify.
func (h *AuthHandler) VerifyStepUp(w http.ResponseWriter, r *http.Request) {
	var input service.StepUpInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}
	input.IP = ClientIP(r)

	result, err := h.authSvc.VerifyStepUp(r.Context(), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	// Failed factors are reported so the client can tell the user what to fix.
	status := http.StatusOK
	if !result.Verified {
		status = http.StatusUnauthorized
	}
	RespondJSON(w, status, result)
}

type challengeRequest struct {
	Factors []domain.FactorType `json:"factors"`
}

// RegisterFactor handles POST /mfa/factors.
func (h *AuthHandler) RegisterFactor(w http.ResponseWriter, r *http.Request) {
	var input service.FactorInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}

	info, err := h.authSvc.RegisterFactor(r.Context(), auth.SubjectFromContext(r.Context()), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, info)
}

// IssueChallenge handles POST /mfa/challenges.
func (h *AuthHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := DecodeJSON(r, &req); err != nil {
		respondBadBody(w)
		return
	}

	ch, err := h.authSvc.IssueChallenge(r.Context(), auth.SubjectFromContext(r.Context()), req.Factors)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, ch)
}

// VerifyChallenge handles POST /mfa/challenges/verify.
func (h *AuthHandler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var input service.VerifyChallengeInput
	if err := DecodeJSON(r, &input); err != nil {
		respondBadBody(w)
		return
	}

	res, err := h.authSvc.VerifyChallenge(r.Context(), auth.SubjectFromContext(r.Context()), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	status := http.StatusOK
	if !res.Valid {
		status = http.StatusUnauthorized
	}
	RespondJSON(w, status, res)
}
