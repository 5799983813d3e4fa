package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationType represents the type/severity of notification
type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
)

// NotificationCategory represents the category of notification
type NotificationCategory string

const (
	NotificationCategoryPaymentWarning   NotificationCategory = "payment_warning"
	NotificationCategoryPaymentFailed    NotificationCategory = "payment_failed"
	NotificationCategoryBookingCancelled NotificationCategory = "booking_cancelled"
	NotificationCategoryCreditIssued     NotificationCategory = "credit_issued"
	NotificationCategoryGeneral          NotificationCategory = "general"
)

// UserNotification represents an in-app notification for a user
type UserNotification struct {
	ID        uint                 `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	DeletedAt gorm.DeletedAt       `gorm:"index" json:"deleted_at,omitempty"`
	UserID    uint                 `gorm:"index;not null" json:"user_id"`
	Type      NotificationType     `gorm:"type:varchar(20);not null" json:"type"`
	Category  NotificationCategory `gorm:"type:varchar(30);not null" json:"category"`
	Title     string               `gorm:"type:varchar(255);not null" json:"title"`
	Message   string               `gorm:"type:text" json:"message"`
	Read      bool                 `gorm:"default:false" json:"read"`
	BookingID *uint                `gorm:"index" json:"booking_id,omitempty"`
	Metadata  datatypes.JSON       `gorm:"type:jsonb" json:"metadata,omitempty"` // Additional context

	// Relationships
	User    User     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Booking *Booking `gorm:"foreignKey:BookingID;constraint:OnDelete:SET NULL" json:"-"`
}

// NotificationMetadata represents common metadata fields
type NotificationMetadata struct {
	BookingID         uint   `json:"booking_id,omitempty"`
	AmountCents       int64  `json:"amount_cents,omitempty"`
	CreditCents       int64  `json:"credit_cents,omitempty"`
	SettlementOutcome string `json:"settlement_outcome,omitempty"`
	CaptureError      string `json:"capture_error,omitempty"`
}
