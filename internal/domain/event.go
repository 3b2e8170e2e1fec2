package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates all domain event types.
type EventType string

const (
	EventRiskEvaluated    EventType = "rba.risk.evaluated"
	EventFactorRegistered EventType = "rba.mfa.factor.registered"
	EventFactorLocked     EventType = "rba.mfa.factor.locked"
	EventStepUpCompleted  EventType = "rba.mfa.stepup.completed"
	EventStepUpFailed     EventType = "rba.mfa.stepup.failed"
	EventSessionCreated   EventType = "rba.session.created"
)

// AggregateType enumerates the aggregate root types for outbox events.
type AggregateType string

const (
	AggregateUser    AggregateType = "user"
	AggregateRisk    AggregateType = "risk"
	AggregateFactor  AggregateType = "factor"
	AggregateSession AggregateType = "session"
)

// OutboxDraft is the payload written to the event_outbox table.
type OutboxDraft struct {
	SeqID         int64           `json:"-"`
	EventID       uuid.UUID       `json:"eventId"`
	AggregateType AggregateType   `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     EventType       `json:"eventType"`
	PartitionKey  string          `json:"partitionKey"`
	Headers       json.RawMessage `json:"headers"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}
