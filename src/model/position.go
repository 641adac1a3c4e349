package model

import "time"

// Position lifecycle statuses. Transitions are validated through
// CanTransitionPosition; terminal statuses never change again.
const (
	PositionStatusPending  = "PENDING"
	PositionStatusOpening  = "OPENING"
	PositionStatusOpen     = "OPEN"
	PositionStatusClosing  = "CLOSING"
	PositionStatusClosed   = "CLOSED"
	PositionStatusStopped  = "STOPPED"
	PositionStatusCanceled = "CANCELED"
)

const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// CloseOutcome distinguishes a user/trail close from a broker-forced margin
// liquidation on the close-report contract. It is a first-class enum, not an
// exit-reason string to be pattern matched.
type CloseOutcome string

const (
	CloseOutcomeClosed  CloseOutcome = "CLOSED"
	CloseOutcomeStopped CloseOutcome = "STOPPED"
)

// Position is a single trading position tracked through its lifecycle.
// EntryPrice/EntryTime are set only on the transition into OPEN,
// ExitPrice/ExitTime only on the transition into CLOSED/STOPPED.
type Position struct {
	ID         uint  `gorm:"primaryKey" json:"id"`
	AccountID  uint  `gorm:"not null;index" json:"account_id"`
	StrategyID *uint `gorm:"index" json:"strategy_id,omitempty"`

	Symbol    string  `gorm:"size:20;not null" json:"symbol"`
	Volume    float64 `gorm:"not null" json:"volume"`
	Direction string  `gorm:"size:10;not null" json:"direction"` // BUY | SELL
	Status    string  `gorm:"size:20;not null;default:PENDING;index" json:"status"`

	// TrailWidth is the trailing-stop distance in pips. Zero means
	// immediate-execution mode: no request trail, the monitor skips it.
	TrailWidth float64 `gorm:"not null;default:0" json:"trail_width"`

	// TrailMark persists the trailing high-water mark alongside the price
	// snapshot, so a restarted monitor resumes from the tightened trail
	// instead of re-widening back to the entry price.
	TrailMark *float64 `json:"trail_mark,omitempty"`

	BrokerTicket string     `gorm:"size:60" json:"broker_ticket,omitempty"`
	EntryPrice   *float64   `json:"entry_price,omitempty"`
	EntryTime    *time.Time `json:"entry_time,omitempty"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
	ExitReason   string     `gorm:"size:255" json:"exit_reason,omitempty"`

	StopLoss     *float64 `json:"stop_loss,omitempty"`
	TakeProfit   *float64 `json:"take_profit,omitempty"`
	CurrentPrice float64  `json:"current_price"`
	UnrealizedPL float64  `json:"unrealized_pl"`
	RealizedPL   float64  `json:"realized_pl"`
	Commission   float64  `json:"commission"`
	Swap         float64  `json:"swap"`

	Memo string `gorm:"size:512" json:"memo,omitempty"`

	// Version guards concurrent transition writes (optimistic locking).
	Version uint `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Account *Account `gorm:"constraint:OnDelete:CASCADE" json:"account,omitempty"`
	Actions []Action `gorm:"foreignKey:PositionID" json:"actions,omitempty"`
}

// positionEdges is the full set of legal lifecycle transitions.
var positionEdges = map[string][]string{
	PositionStatusPending: {PositionStatusOpening, PositionStatusCanceled},
	PositionStatusOpening: {PositionStatusOpen, PositionStatusCanceled},
	PositionStatusOpen:    {PositionStatusClosing},
	PositionStatusClosing: {PositionStatusClosed, PositionStatusStopped},
}

// CanTransitionPosition reports whether from→to is a legal lifecycle edge.
func CanTransitionPosition(from, to string) bool {
	for _, next := range positionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalPositionStatus reports whether status is immutable.
func IsTerminalPositionStatus(status string) bool {
	switch status {
	case PositionStatusClosed, PositionStatusStopped, PositionStatusCanceled:
		return true
	}
	return false
}
