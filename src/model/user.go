package model

import "time"

const (
	RoleClient = "CLIENT"
	RoleAdmin  = "ADMIN"
	RoleViewer = "VIEWER"
)

const (
	PCStatusOnline  = "online"
	PCStatusOffline = "offline"
)

// User is an operator or client of the hedge system. Each user owns zero or
// more broker accounts; the desktop execution client connects on behalf of a
// single user and flips PCStatus through gateway heartbeats.
type User struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserName  string     `gorm:"size:100;not null;uniqueIndex" json:"user_name"`
	Email     string     `gorm:"size:255;not null" json:"email"`
	Role      string     `gorm:"size:20;not null;default:CLIENT" json:"role"`
	PCStatus  string     `gorm:"size:20;not null;default:offline" json:"pc_status"`
	PCID      string     `gorm:"size:100" json:"pc_id,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Accounts []Account `gorm:"foreignKey:UserID" json:"accounts,omitempty"`
}

func (u *User) IsAdmin() bool  { return u.Role == RoleAdmin }
func (u *User) CanWrite() bool { return u.Role == RoleAdmin || u.Role == RoleClient }
