package model

import "time"

const (
	ActionTypeEntry = "ENTRY"
	ActionTypeClose = "CLOSE"
)

const (
	ActionStatusPending   = "PENDING"
	ActionStatusExecuting = "EXECUTING"
	ActionStatusExecuted  = "EXECUTED"
	ActionStatusFailed    = "FAILED"
)

const (
	TriggerTypeStrategy = "STRATEGY"
	TriggerTypePosition = "POSITION"
	TriggerTypeManual   = "MANUAL"
)

const DefaultMaxRetries = 3

// Action is a unit of work for an execution client: open or close a broker
// position. Actions are never deleted; only their status mutates, so the
// table doubles as the execution audit trail. A failed action is retried by
// cloning a fresh PENDING action, never by resetting the failed row.
//
// PositionID is the position the action acts upon. TriggerPositionID is the
// position whose condition caused the action to exist. Usually the same, but
// a hedge chain can have position A's trail trigger a close on position B.
type Action struct {
	ID                uint  `gorm:"primaryKey" json:"id"`
	AccountID         uint  `gorm:"not null;index" json:"account_id"`
	PositionID        uint  `gorm:"not null;index" json:"position_id"`
	TriggerPositionID *uint `gorm:"index" json:"trigger_position_id,omitempty"`
	StrategyID        *uint `gorm:"index" json:"strategy_id,omitempty"`

	Type        string `gorm:"size:20;not null" json:"type"`                            // ENTRY | CLOSE
	Status      string `gorm:"size:20;not null;default:PENDING;index" json:"status"`    // PENDING | EXECUTING | EXECUTED | FAILED
	TriggerType string `gorm:"size:20;not null;default:MANUAL" json:"trigger_type"`     // STRATEGY | POSITION | MANUAL

	RetryCount int `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries int `gorm:"not null;default:3" json:"max_retries"`

	// Parameters and Result hold the typed payloads from params.go,
	// serialized per Action.Type.
	Parameters   string `gorm:"type:jsonb" json:"parameters,omitempty"`
	Result       string `gorm:"type:jsonb" json:"result,omitempty"`
	ErrorMessage string `gorm:"size:512" json:"error_message,omitempty"`

	Version uint `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Account  *Account  `gorm:"constraint:OnDelete:CASCADE" json:"account,omitempty"`
	Position *Position `gorm:"foreignKey:PositionID;constraint:OnDelete:CASCADE" json:"position,omitempty"`
}

var actionEdges = map[string][]string{
	ActionStatusPending:   {ActionStatusExecuting},
	ActionStatusExecuting: {ActionStatusExecuted, ActionStatusFailed},
}

// CanTransitionAction reports whether from→to is a legal action edge.
// There is no edge out of EXECUTED or FAILED.
func CanTransitionAction(from, to string) bool {
	for _, next := range actionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalActionStatus reports whether status is immutable.
func IsTerminalActionStatus(status string) bool {
	return status == ActionStatusExecuted || status == ActionStatusFailed
}
