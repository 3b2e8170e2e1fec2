package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/guard"
)

const (
	remoteBreakerKey   = "policy-evaluator"
	maxRemoteBodyBytes = 1 << 20
)

// RemoteEvaluator delegates decisions to an HTTP policy service that speaks
// the OPA data API shape: POST {"input": ...} and reply with the decision,
// optionally wrapped in {"result": ...}.
type RemoteEvaluator struct {
	url     string
	client  *http.Client
	timeout time.Duration
	breaker *guard.CircuitBreaker
}

// NewRemoteEvaluator creates a remote evaluator. Every call is bounded by timeout.
func NewRemoteEvaluator(url string, timeout time.Duration, breaker *guard.CircuitBreaker) *RemoteEvaluator {
	return &RemoteEvaluator{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
		breaker: breaker,
	}
}

type remoteRequest struct {
	Input EvaluationInput `json:"input"`
}

type remoteDecision struct {
	RiskScore *float64        `json:"risk_score"`
	RiskLevel string          `json:"risk_level"`
	Action    string          `json:"action"`
	Breakdown json.RawMessage `json:"breakdown"`
	Reason    string          `json:"reason,omitempty"`
}

// Evaluate posts the input and validates the reply. Transport failures wrap
// domain.ErrEvaluatorUnavailable; shape failures wrap
// domain.ErrMalformedEvaluatorResponse.
func (r *RemoteEvaluator) Evaluate(ctx context.Context, in EvaluationInput) (domain.Decision, error) {
	if res := r.breaker.Check(ctx, remoteBreakerKey); !res.Allowed {
		return domain.Decision{}, fmt.Errorf("%w: %s", domain.ErrEvaluatorUnavailable, res.Reason)
	}

	d, err := r.call(ctx, in)
	if err != nil {
		r.breaker.RecordFailure(remoteBreakerKey)
		return domain.Decision{}, err
	}
	r.breaker.RecordSuccess(remoteBreakerKey)
	return d, nil
}

func (r *RemoteEvaluator) call(ctx context.Context, in EvaluationInput) (domain.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequest{Input: in})
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: encode input: %v", domain.ErrEvaluatorUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: build request: %v", domain.ErrEvaluatorUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %v", domain.ErrEvaluatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Decision{}, fmt.Errorf("%w: status %d", domain.ErrEvaluatorUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBodyBytes))
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: read body: %v", domain.ErrEvaluatorUnavailable, err)
	}
	return parseRemoteDecision(raw)
}

func parseRemoteDecision(raw []byte) (domain.Decision, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvaluatorResponse, err)
	}
	if len(envelope.Result) > 0 && !bytes.Equal(envelope.Result, []byte("null")) {
		raw = envelope.Result
	}

	var rd remoteDecision
	if err := json.Unmarshal(raw, &rd); err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvaluatorResponse, err)
	}
	if err := rd.validate(); err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvaluatorResponse, err)
	}

	action := domain.Action(rd.Action)
	d := domain.Decision{
		Action:          action,
		RiskLevel:       domain.RiskLevel(rd.RiskLevel),
		Score:           int(math.Round(*rd.RiskScore)),
		Reason:          rd.Reason,
		SuggestedAction: suggestedFor(action),
		Source:          domain.DecisionSourceRemote,
		RemoteBreakdown: rd.Breakdown,
	}
	if d.Reason == "" {
		d.Reason = fmt.Sprintf("policy service rated risk %s", d.RiskLevel)
	}
	return d, nil
}

func (rd *remoteDecision) validate() error {
	if rd.RiskScore == nil {
		return fmt.Errorf("risk_score missing")
	}
	s := *rd.RiskScore
	if math.IsNaN(s) || math.IsInf(s, 0) || s < 0 || s > 100 {
		return fmt.Errorf("risk_score out of range: %v", s)
	}
	if !domain.Action(rd.Action).Valid() {
		return fmt.Errorf("unknown action %q", rd.Action)
	}
	if !domain.RiskLevel(rd.RiskLevel).Valid() {
		return fmt.Errorf("unknown risk_level %q", rd.RiskLevel)
	}
	b := bytes.TrimSpace(rd.Breakdown)
	if len(b) == 0 || b[0] != '{' {
		return fmt.Errorf("breakdown must be an object")
	}
	return nil
}

func suggestedFor(a domain.Action) string {
	switch a {
	case domain.ActionMFARequired:
		return domain.SuggestCompleteMFA
	case domain.ActionBlocked:
		return domain.SuggestContactSupport
	default:
		return domain.SuggestNone
	}
}
