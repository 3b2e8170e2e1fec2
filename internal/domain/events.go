package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

func newDraft(agg AggregateType, aggID string, evt EventType, payload any, at time.Time) OutboxDraft {
	body, _ := json.Marshal(payload)
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: agg,
		AggregateID:   aggID,
		EventType:     evt,
		PartitionKey:  aggID,
		Headers:       json.RawMessage(`{}`),
		Payload:       body,
		OccurredAt:    at,
	}
}

// NewRiskEvaluatedEvent creates the outbox event mirroring a persisted RiskEvent.
func NewRiskEvaluatedEvent(ev RiskEvent) OutboxDraft {
	d := newDraft(AggregateRisk, ev.UserID, EventRiskEvaluated, ev, ev.CreatedAt)
	d.EventID = ev.ID
	return d
}

// NewFactorRegisteredEvent creates a factor enrollment event. The commitment is not included.
func NewFactorRegisteredEvent(rec *MFASecretRecord) OutboxDraft {
	return newDraft(AggregateFactor, rec.UserID, EventFactorRegistered, map[string]string{
		"user_id":     rec.UserID,
		"secret_id":   rec.ID.String(),
		"factor_type": string(rec.FactorType),
	}, rec.CreatedAt)
}

// NewFactorLockedEvent creates a lockout event.
func NewFactorLockedEvent(ev FactorLockEvent, at time.Time) OutboxDraft {
	return newDraft(AggregateFactor, ev.UserID, EventFactorLocked, ev, at)
}

// NewStepUpEvent records the outcome of a step-up verification.
func NewStepUpEvent(userID string, result MultiFactorResult, at time.Time) OutboxDraft {
	evt := EventStepUpCompleted
	if !result.Valid {
		evt = EventStepUpFailed
	}
	return newDraft(AggregateUser, userID, evt, result, at)
}

// NewSessionCreatedEvent records session issuance after a risk decision.
func NewSessionCreatedEvent(userID, deviceID string, stepUp bool, at time.Time) OutboxDraft {
	return newDraft(AggregateSession, userID, EventSessionCreated, map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
		"step_up":   stepUp,
	}, at)
}
