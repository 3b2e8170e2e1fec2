package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/google/uuid"
)

// AuditSink persists risk events. Implementations must be append-only.
type AuditSink interface {
	Record(ctx context.Context, ev domain.RiskEvent) error
}

// Engine glues scoring, the decision point and the audit sink together.
type Engine struct {
	scorer *Scorer
	pdp    *DecisionPoint
	audit  AuditSink
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an evaluation engine.
func NewEngine(scorer *Scorer, pdp *DecisionPoint, audit AuditSink, logger *slog.Logger) *Engine {
	return &Engine{
		scorer: scorer,
		pdp:    pdp,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate scores the context, decides, and audits before returning. An audit
// failure is logged but never withholds the decision; the sink is expected to
// retry out of band.
func (e *Engine) Evaluate(ctx context.Context, userID string, sc domain.SignalContext) domain.Evaluation {
	breakdown := e.scorer.Score(&sc)
	score := breakdown.Total()

	decision := e.pdp.Decide(ctx, EvaluationInput{
		Signals:   &sc,
		Score:     score,
		Breakdown: breakdown,
	})

	signals, err := json.Marshal(sc)
	if err != nil {
		signals = json.RawMessage(`{}`)
	}

	ev := domain.RiskEvent{
		ID:        uuid.New(),
		UserID:    userID,
		Signals:   signals,
		Score:     decision.Score,
		Breakdown: breakdown,
		Action:    decision.Action,
		RiskLevel: decision.RiskLevel,
		Reason:    decision.Reason,
		Source:    decision.Source,
		CreatedAt: e.now(),
	}
	if err := e.audit.Record(ctx, ev); err != nil {
		e.logger.Error("risk event audit failed", "event_id", ev.ID, "user_id", userID, "error", err)
	}

	return domain.Evaluation{
		EventID:   ev.ID,
		Score:     decision.Score,
		Breakdown: breakdown,
		Decision:  decision,
	}
}
