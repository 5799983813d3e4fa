package model

import (
	"time"

	"gorm.io/gorm"
)

// BookingTransfer records external settlement artifacts for a booking. Each
// field is written at most once per causal event; a pre-existing value is
// evidence the step already completed and the gateway must not be called again.
type BookingTransfer struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	BookingID uint           `gorm:"uniqueIndex;not null" json:"booking_id"`

	StripeTransferID         string `gorm:"type:varchar(100)" json:"stripe_transfer_id,omitempty"`          // capture payout
	TransferReversalID       string `gorm:"type:varchar(100)" json:"transfer_reversal_id,omitempty"`        // cancellation reversal
	RefundID                 string `gorm:"type:varchar(100)" json:"refund_id,omitempty"`                   // card refund
	PayoutTransferID         string `gorm:"type:varchar(100)" json:"payout_transfer_id,omitempty"`          // manual payout (late cancel, lock resolution)
	AdvancedPayoutTransferID string `gorm:"type:varchar(100)" json:"advanced_payout_transfer_id,omitempty"` // escalated payout of platform funds

	Booking Booking `gorm:"foreignKey:BookingID" json:"-"`
}

// TableName specifies the table name for BookingTransfer
func (BookingTransfer) TableName() string {
	return "booking_transfers"
}
