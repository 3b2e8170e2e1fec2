package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RiskBreakdown holds the six independently capped score components.
type RiskBreakdown struct {
	FailedAttempts int `json:"failed_attempts"`
	GPS            int `json:"gps"`
	Typing         int `json:"typing"`
	TimeOfDay      int `json:"time_of_day"`
	Velocity       int `json:"velocity"`
	NewDevice      int `json:"new_device"`
}

// Total returns min(100, sum of components).
func (b RiskBreakdown) Total() int {
	sum := b.FailedAttempts + b.GPS + b.Typing + b.TimeOfDay + b.Velocity + b.NewDevice
	if sum > 100 {
		return 100
	}
	return sum
}

// Action is the outcome of a policy decision.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionMFARequired Action = "mfa_required"
	ActionBlocked     Action = "blocked"
)

// Valid reports whether a is one of the three known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionMFARequired, ActionBlocked:
		return true
	}
	return false
}

// RiskLevel classifies a score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether l is a known level.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Decision source identifiers.
const (
	DecisionSourceThreshold = "threshold"
	DecisionSourceRemote    = "remote"
)

// Suggested actions shown to the caller.
const (
	SuggestNone           = "none"
	SuggestCompleteMFA    = "complete_mfa"
	SuggestContactSupport = "contact_support"
)

// Decision is the policy decision for one evaluation.
type Decision struct {
	Action          Action          `json:"action"`
	RiskLevel       RiskLevel       `json:"risk_level"`
	Score           int             `json:"score"`
	Reason          string          `json:"reason"`
	SuggestedAction string          `json:"suggested_action"`
	Source          string          `json:"source"`
	RemoteBreakdown json.RawMessage `json:"remote_breakdown,omitempty"`
}

// Evaluation is returned by the risk engine to its caller.
type Evaluation struct {
	EventID   uuid.UUID     `json:"event_id"`
	Score     int           `json:"score"`
	Breakdown RiskBreakdown `json:"breakdown"`
	Decision  Decision      `json:"decision"`
}

// RiskEvent is the append-only audit record of a single evaluation.
type RiskEvent struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	Signals   json.RawMessage `json:"signals"`
	Score     int             `json:"score"`
	Breakdown RiskBreakdown   `json:"breakdown"`
	Action    Action          `json:"action"`
	RiskLevel RiskLevel       `json:"risk_level"`
	Reason    string          `json:"reason"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}
