package model

import "time"

const (
	StrategyTypeEntry = "ENTRY"
	StrategyTypeExit  = "EXIT"
)

// Strategy groups positions across one or more accounts for bulk
// orchestration with shared trail parameters. Single-position flows do not
// need one.
type Strategy struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"size:255;not null" json:"name"`
	Description string `gorm:"size:512" json:"description,omitempty"`
	Type        string `gorm:"size:20;not null" json:"type"` // ENTRY | EXIT
	Active      bool   `gorm:"not null;default:true" json:"active"`

	// TrailWidth is inherited by positions created through the strategy.
	TrailWidth float64 `gorm:"not null;default:0" json:"trail_width"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`

	User      *User      `gorm:"constraint:OnDelete:CASCADE" json:"user,omitempty"`
	Positions []Position `gorm:"foreignKey:StrategyID" json:"positions,omitempty"`
	Actions   []Action   `gorm:"foreignKey:StrategyID" json:"actions,omitempty"`
}
