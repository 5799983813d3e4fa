package model

import (
	"time"

	"gorm.io/gorm"
)

// User roles
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// User represents a registered user in the marketplace (student, instructor or admin)
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string         `gorm:"not null" json:"-"` // Never expose password in JSON
	Name         string         `gorm:"not null" json:"name"`
	Role         string         `gorm:"type:varchar(20);default:'student'" json:"role"` // student, instructor, admin
	Timezone     string         `gorm:"type:varchar(64);default:'UTC'" json:"timezone"`
	TokenVersion int            `gorm:"default:0" json:"-"` // Increment to invalidate all user tokens

	// Account standing. Locked means the platform advanced its own funds for an
	// unpaid lesson (capture escalation); restricted means a lost dispute left a
	// negative credit balance that has not been cleared yet.
	AccountLocked         bool   `gorm:"default:false" json:"account_locked"`
	AccountLockReason     string `gorm:"type:varchar(255)" json:"-"`
	AccountRestricted     bool   `gorm:"default:false" json:"account_restricted"`
	AccountRestrictReason string `gorm:"type:varchar(255)" json:"-"`
	CreditDebtCents       int64  `gorm:"default:0" json:"credit_debt_cents"` // Owed back after a lost dispute on spent credits

	// Instructor-only fields
	PayoutAccountID string `gorm:"type:varchar(100)" json:"-"` // Connected payout account at the card processor
	HourlyRateCents int64  `gorm:"default:0" json:"hourly_rate_cents,omitempty"`

	// Relationships
	StudentBookings    []Booking           `gorm:"foreignKey:StudentID;constraint:OnDelete:CASCADE" json:"-"`
	InstructorBookings []Booking           `gorm:"foreignKey:InstructorID;constraint:OnDelete:CASCADE" json:"-"`
	Credits            []PlatformCredit    `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Notifications      []UserNotification  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	TokenBlacklist     []JWTTokenBlacklist `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// IsInstructor reports whether the user can be booked for lessons
func (u *User) IsInstructor() bool {
	return u.Role == RoleInstructor
}

// HasPayoutAccount reports whether manual transfers can be sent to this user
func (u *User) HasPayoutAccount() bool {
	return u.PayoutAccountID != ""
}
