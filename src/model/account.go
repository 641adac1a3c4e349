package model

import "time"

const (
	AccountStatusConnected    = "connected"
	AccountStatusDisconnected = "disconnected"
)

// Account is a broker account owned by exactly one user. Balance, equity and
// margin fields are informational snapshots pushed by the execution client;
// the server never computes them.
type Account struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	UserID        uint   `gorm:"not null;index" json:"user_id"`
	BrokerType    string `gorm:"size:50;not null" json:"broker_type"` // MT4 | MT5
	AccountNumber string `gorm:"size:60;not null;index" json:"account_number"`
	Server        string `gorm:"size:120" json:"server"`

	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginLevel float64 `json:"margin_level"` // percent, 0 when no open positions

	Status        string     `gorm:"size:20;not null;default:disconnected" json:"status"`
	PCID          string     `gorm:"size:100" json:"pc_id,omitempty"`
	EmergencyMode bool       `gorm:"not null;default:false" json:"emergency_mode"`
	SnapshotAt    *time.Time `json:"snapshot_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	User *User `gorm:"constraint:OnDelete:CASCADE" json:"user,omitempty"`
}
