package model

import "time"

const (
	AlertKindRetryExhausted = "retry_exhausted"
	AlertKindMarginCall     = "margin_call"
	AlertKindPendingExpired = "pending_expired"
)

// Alert is a persisted operator-visible alert. Terminal failures (exhausted
// retries, margin liquidations) always produce an Alert row, never just a log
// line, since operators query alert state rather than tail logs.
type Alert struct {
	ID uint `gorm:"primaryKey" json:"id"`

	UserID     uint  `gorm:"not null;index" json:"user_id"`
	AccountID  *uint `gorm:"index" json:"account_id,omitempty"`
	PositionID *uint `gorm:"index" json:"position_id,omitempty"`
	ActionID   *uint `gorm:"index" json:"action_id,omitempty"`

	Kind    string `gorm:"size:50;not null;index" json:"kind"`
	Level   string `gorm:"size:20;not null;index" json:"level"` // info | warn | error
	Message string `gorm:"type:text" json:"message"`

	// Extra context stored as JSON (optional)
	Context string `gorm:"type:jsonb" json:"context,omitempty"`

	Acknowledged bool      `gorm:"not null;default:false;index" json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}
