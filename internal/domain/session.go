package domain

import "time"

// SessionLog is the durable, append-only record of one issued session.
// Rows are never deleted on logout or rotation; they are closed by
// setting LogoutAt so the table doubles as the audit trail. At most one
// open row may exist per SessionID.
type SessionLog struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	SessionID         string     `gorm:"size:64;index;not null" json:"session_id"`
	UserID            uint       `gorm:"index;not null" json:"user_id"`
	Role              string     `gorm:"size:32" json:"role"`
	AdminLevel        int        `json:"admin_level"`
	TokenID           *string    `gorm:"size:64;uniqueIndex" json:"-"`
	FamilyID          *string    `gorm:"size:64;index" json:"-"`
	ParentTokenID     *string    `gorm:"size:64;index" json:"-"`
	IP                string     `gorm:"size:64" json:"ip"`
	UserAgent         string     `gorm:"size:512" json:"user_agent"`
	DeviceFingerprint string     `gorm:"size:64" json:"-"`
	ExpiresAt         time.Time  `gorm:"index;not null" json:"expires_at"`
	LogoutAt          *time.Time `gorm:"index" json:"logout_at,omitempty"`
	LogoutReason      *string    `gorm:"size:64" json:"logout_reason,omitempty"`
	ReuseDetectedAt   *time.Time `gorm:"index" json:"reuse_detected_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Open reports whether the row still represents a live session.
func (s *SessionLog) Open() bool {
	return s.LogoutAt == nil && s.ExpiresAt.After(time.Now())
}
