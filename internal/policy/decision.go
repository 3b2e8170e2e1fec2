package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/metrics"
)

// Fixed-threshold boundaries: score <= AllowMax allows, score <= MFAMax steps
// up, anything above blocks.
const (
	AllowMax = 40
	MFAMax   = 70
)

// EvaluationInput is the payload handed to a decision strategy.
type EvaluationInput struct {
	Signals   *domain.SignalContext `json:"signals"`
	Score     int                   `json:"score"`
	Breakdown domain.RiskBreakdown  `json:"breakdown"`
}

// Evaluator is a pluggable decision strategy.
type Evaluator interface {
	Evaluate(ctx context.Context, in EvaluationInput) (domain.Decision, error)
}

// ThresholdEvaluator is the always-available fixed-threshold strategy.
type ThresholdEvaluator struct{}

// Evaluate maps the score onto allow / mfa_required / blocked. It never fails.
func (ThresholdEvaluator) Evaluate(_ context.Context, in EvaluationInput) (domain.Decision, error) {
	return ThresholdDecision(in.Score, in.Breakdown), nil
}

// ThresholdDecision is the deterministic fallback mapping.
func ThresholdDecision(score int, b domain.RiskBreakdown) domain.Decision {
	d := domain.Decision{
		Score:     score,
		RiskLevel: LevelForScore(score),
		Source:    domain.DecisionSourceThreshold,
	}
	switch {
	case score <= AllowMax:
		d.Action = domain.ActionAllow
		d.Reason = fmt.Sprintf("risk score %d within normal range", score)
		d.SuggestedAction = domain.SuggestNone
	case score <= MFAMax:
		d.Action = domain.ActionMFARequired
		d.Reason = fmt.Sprintf("elevated risk score %d (top signal: %s)", score, topSignal(b))
		d.SuggestedAction = domain.SuggestCompleteMFA
	default:
		d.Action = domain.ActionBlocked
		d.Reason = fmt.Sprintf("risk score %d exceeds block threshold (top signal: %s)", score, topSignal(b))
		d.SuggestedAction = domain.SuggestContactSupport
	}
	return d
}

// topSignal names the largest component; ties resolve in declaration order.
func topSignal(b domain.RiskBreakdown) string {
	components := []struct {
		name  string
		value int
	}{
		{"failed_attempts", b.FailedAttempts},
		{"gps", b.GPS},
		{"typing", b.Typing},
		{"time_of_day", b.TimeOfDay},
		{"velocity", b.Velocity},
		{"new_device", b.NewDevice},
	}
	best := components[0]
	for _, c := range components[1:] {
		if c.value > best.value {
			best = c
		}
	}
	if best.value == 0 {
		return "none"
	}
	return best.name
}

// DecisionPoint selects between a delegated evaluator and the threshold fallback.
type DecisionPoint struct {
	delegate Evaluator
	fallback ThresholdEvaluator
	logger   *slog.Logger
}

// NewDecisionPoint creates a PDP. A nil delegate means threshold-only mode.
func NewDecisionPoint(delegate Evaluator, logger *slog.Logger) *DecisionPoint {
	return &DecisionPoint{delegate: delegate, logger: logger}
}

// Decide always returns a decision. Delegate failures are logged and the
// fixed thresholds are applied instead.
func (p *DecisionPoint) Decide(ctx context.Context, in EvaluationInput) domain.Decision {
	if p.delegate != nil {
		d, err := p.delegate.Evaluate(ctx, in)
		if err == nil {
			metrics.PolicyDecisionsTotal.WithLabelValues(d.Source, string(d.Action)).Inc()
			return d
		}
		reason := "unavailable"
		if errors.Is(err, domain.ErrMalformedEvaluatorResponse) {
			reason = "malformed"
			p.logger.Warn("policy evaluator returned malformed response, using thresholds",
				"error", err, "data_quality", true)
		} else {
			p.logger.Warn("policy evaluator unavailable, using thresholds", "error", err)
		}
		metrics.PolicyFallbacksTotal.WithLabelValues(reason).Inc()
	}

	d, _ := p.fallback.Evaluate(ctx, in)
	metrics.PolicyDecisionsTotal.WithLabelValues(d.Source, string(d.Action)).Inc()
	return d
}
