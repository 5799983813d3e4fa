package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SettlementAudit is an append-only record of every terminal settlement
// resolution (capture, cancellation, escalation, dispute). Consumed by ops
// tooling; never read back by the payment pipeline itself.
type SettlementAudit struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	BookingID     uint           `gorm:"not null;index" json:"booking_id"`
	Outcome       string         `gorm:"type:varchar(60);not null;index" json:"outcome"`
	Actor         string         `gorm:"type:varchar(20)" json:"actor,omitempty"`
	Reason        string         `gorm:"type:varchar(50)" json:"reason,omitempty"`
	TriggerSource string         `gorm:"type:varchar(30)" json:"trigger_source,omitempty"` // cron sweep, api, admin
	Amounts       datatypes.JSON `gorm:"type:jsonb" json:"amounts,omitempty"`

	Booking Booking `gorm:"foreignKey:BookingID" json:"-"`
}

// TableName specifies the table name for SettlementAudit
func (SettlementAudit) TableName() string {
	return "settlement_audits"
}

// SettlementAmounts is the JSON payload stored in SettlementAudit.Amounts
type SettlementAmounts struct {
	CapturedCents         int64 `json:"captured_cents,omitempty"`
	RefundedCents         int64 `json:"refunded_cents,omitempty"`
	CreditIssuedCents     int64 `json:"credit_issued_cents,omitempty"`
	CreditsReleasedCents  int64 `json:"credits_released_cents,omitempty"`
	CreditsForfeitedCents int64 `json:"credits_forfeited_cents,omitempty"`
	InstructorPaidCents   int64 `json:"instructor_paid_cents,omitempty"`
}
