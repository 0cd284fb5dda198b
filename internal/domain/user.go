package domain

import "time"

// User is the credential record. Phone and Address are stored
// encrypted (see security.FieldCipher); the lockout columns back the
// lockout guard and are owned by the login flow.
type User struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Email               string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Name                string     `gorm:"size:255" json:"name"`
	PasswordHash        string     `gorm:"size:512" json:"-"`
	Role                string     `gorm:"size:32;default:user" json:"role"`
	AdminLevel          int        `gorm:"default:0" json:"admin_level"`
	Phone               string     `gorm:"size:512" json:"phone,omitempty"`
	Address             string     `gorm:"size:1024" json:"address,omitempty"`
	IsActive            bool       `gorm:"default:true" json:"is_active"`
	FailedLoginAttempts int        `gorm:"default:0" json:"-"`
	LockoutUntil        *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Principal is the identity snapshot resolved from a token or session.
// It is immutable for the lifetime of one request.
type Principal struct {
	UserID            uint   `json:"user_id"`
	Role              string `json:"role"`
	AdminLevel        int    `json:"admin_level"`
	Email             string `json:"email,omitempty"`
	IsActive          bool   `json:"is_active"`
	SessionID         string `json:"-"`
	TokenID           string `json:"-"`
	DeviceFingerprint string `json:"-"`
}
