package model

import (
	"time"

	"gorm.io/gorm"
)

// CreditStatus represents the lifecycle state of a platform credit
type CreditStatus string

const (
	CreditStatusAvailable CreditStatus = "available"
	CreditStatusReserved  CreditStatus = "reserved"
	CreditStatusForfeited CreditStatus = "forfeited"
	CreditStatusExpired   CreditStatus = "expired"
	CreditStatusRevoked   CreditStatus = "revoked"
)

// CreditSourceType records where a credit came from
type CreditSourceType string

const (
	CreditSourceSignup       CreditSourceType = "signup"
	CreditSourceReferral     CreditSourceType = "referral"
	CreditSourceCancellation CreditSourceType = "cancellation_compensation"
	CreditSourceAdminGrant   CreditSourceType = "admin_grant"
)

// PlatformCredit is a stored-value grant owned by a user. Credits are consumed
// FIFO by expiration; a partial spend splits the row, creating an available
// remainder that carries forward the parent's expiration and provenance.
type PlatformCredit struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	UserID    uint           `gorm:"not null;index" json:"user_id"`

	AmountCents int64        `gorm:"not null" json:"amount_cents"`
	Status      CreditStatus `gorm:"type:varchar(20);not null;default:'available';index" json:"status"`
	ExpiresAt   *time.Time   `gorm:"index" json:"expires_at,omitempty"` // nil = never expires

	// Reservation fields. Invariant: ReservedAmountCents <= AmountCents, and a
	// reserved credit is excluded from expiration sweeps.
	ReservedAmountCents  int64      `gorm:"default:0" json:"reserved_amount_cents"`
	ReservedForBookingID *uint      `gorm:"index" json:"reserved_for_booking_id,omitempty"`
	ReservedAt           *time.Time `json:"reserved_at,omitempty"`

	// Provenance
	SourceType      CreditSourceType `gorm:"type:varchar(30);not null" json:"source_type"`
	SourceBookingID *uint            `gorm:"index" json:"source_booking_id,omitempty"`
	ParentCreditID  *uint            `gorm:"index" json:"parent_credit_id,omitempty"`
	Description     string           `gorm:"type:varchar(255)" json:"description,omitempty"`

	// Terminal spend target, stamped on forfeiture
	UsedBookingID *uint `gorm:"index" json:"used_booking_id,omitempty"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

// TableName specifies the table name for PlatformCredit
func (PlatformCredit) TableName() string {
	return "platform_credits"
}

// IsSpendable reports whether the credit can fund a reservation right now
func (c *PlatformCredit) IsSpendable(now time.Time) bool {
	if c.Status != CreditStatusAvailable {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}
