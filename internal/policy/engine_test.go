package policy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.RiskEvent
	err    error
}

func (s *recordingSink) Record(_ context.Context, ev domain.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func TestEngine_AuditsBeforeReturning(t *testing.T) {
	sink := &recordingSink{}
	engine := NewEngine(NewScorer(DefaultScoringConfig()), NewDecisionPoint(nil, discardLogger()), sink, discardLogger())
	fixed := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	sc := knownGoodContext()
	sc.FailedAttempts = 5
	sc.Device.ID = "unknown"

	got := engine.Evaluate(context.Background(), "user-1", sc)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, got.EventID, ev.ID)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, 55, got.Score)
	assert.Equal(t, got.Score, ev.Score)
	assert.Equal(t, domain.ActionMFARequired, ev.Action)
	assert.Equal(t, domain.RiskMedium, ev.RiskLevel)
	assert.Equal(t, fixed, ev.CreatedAt)
	assert.Equal(t, 50, ev.Breakdown.FailedAttempts)
	assert.Equal(t, 5, ev.Breakdown.NewDevice)

	var snapshot domain.SignalContext
	require.NoError(t, json.Unmarshal(ev.Signals, &snapshot))
	assert.Equal(t, 5, snapshot.FailedAttempts)
	assert.Equal(t, "unknown", snapshot.Device.ID)
}

func TestEngine_AuditFailureDoesNotBlockDecision(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	engine := NewEngine(NewScorer(DefaultScoringConfig()), NewDecisionPoint(nil, discardLogger()), sink, discardLogger())

	got := engine.Evaluate(context.Background(), "user-2", knownGoodContext())
	assert.Equal(t, domain.ActionAllow, got.Decision.Action)
	assert.Len(t, sink.events, 1)
}

func TestEngine_RemoteScoreIsReported(t *testing.T) {
	remote := &stubEvaluator{decision: domain.Decision{
		Action:    domain.ActionBlocked,
		RiskLevel: domain.RiskHigh,
		Score:     88,
		Source:    domain.DecisionSourceRemote,
	}}
	sink := &recordingSink{}
	engine := NewEngine(NewScorer(DefaultScoringConfig()), NewDecisionPoint(remote, discardLogger()), sink, discardLogger())

	got := engine.Evaluate(context.Background(), "user-3", knownGoodContext())
	assert.Equal(t, 88, got.Score)
	assert.Equal(t, 0, got.Breakdown.Total())
	assert.Equal(t, domain.DecisionSourceRemote, sink.events[0].Source)
}
