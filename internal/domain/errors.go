package domain

import (
	"errors"
	"fmt"
)

// AppError is the base domain error type.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Error taxonomy. Scoring and decision errors are recovered locally; MFA errors
// are surfaced with a distinct reason.
var (
	ErrSignalMissing              = errors.New("signal missing")
	ErrEvaluatorUnavailable       = errors.New("policy evaluator unavailable")
	ErrMalformedEvaluatorResponse = errors.New("malformed policy evaluator response")
	ErrChallengeExpired           = errors.New("challenge expired")
	ErrChallengeMismatch          = errors.New("challenge mismatch")
	ErrChallengeConsumed          = errors.New("challenge already consumed")
	ErrProofInvalid               = errors.New("proof invalid")
	ErrFactorLocked               = errors.New("factor locked")
	ErrFactorNotFound             = errors.New("factor not found")
	ErrConcurrencyConflict        = errors.New("concurrency conflict")
)

// Standard domain error constructors.

func ErrNotFound(entity, id string) *AppError {
	return &AppError{Code: "NOT_FOUND", Message: fmt.Sprintf("%s %s not found", entity, id), Status: 404}
}

func ErrConflict(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Message: msg, Status: 409}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: "VALIDATION_ERROR", Message: msg, Status: 400}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Message: msg, Status: 401}
}

func ErrForbidden(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Message: msg, Status: 403}
}

// ErrAccessDenied is the terminal response for a blocked login. It never carries
// the risk breakdown.
func ErrAccessDenied() *AppError {
	return &AppError{Code: "ACCESS_DENIED", Message: "sign-in denied for security reasons", Status: 403}
}

func ErrAccountLocked(msg string) *AppError {
	return &AppError{Code: "ACCOUNT_LOCKED", Message: msg, Status: 429}
}

func ErrRateLimited(msg string) *AppError {
	return &AppError{Code: "RATE_LIMITED", Message: msg, Status: 429}
}

func ErrMFAFailed(msg string) *AppError {
	return &AppError{Code: "MFA_FAILED", Message: msg, Status: 401}
}

func ErrRetryExhausted(cause error) *AppError {
	return &AppError{Code: "CONCURRENCY_CONFLICT", Message: "too many concurrent attempts, retry", Status: 409, Cause: cause}
}

func ErrInternal(msg string, cause error) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Message: msg, Status: 500, Cause: cause}
}
