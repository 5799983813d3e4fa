package model

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PaymentStatus represents the payment state of a booking.
//
// scheduled -> (auth job) -> authorized | payment_method_required
// payment_method_required -> (retry)   -> authorized | cancelled
// authorized -> (capture job)          -> settled | payment_method_required | manual_review
// authorized -> (reschedule)           -> locked_funds
type PaymentStatus string

const (
	PaymentStatusScheduled      PaymentStatus = "scheduled"
	PaymentStatusMethodRequired PaymentStatus = "payment_method_required"
	PaymentStatusAuthorized     PaymentStatus = "authorized"
	PaymentStatusLockedFunds    PaymentStatus = "locked_funds"
	PaymentStatusSettled        PaymentStatus = "settled"
	PaymentStatusManualReview   PaymentStatus = "manual_review"
	PaymentStatusCancelled      PaymentStatus = "cancelled"
)

// canonicalPaymentStatuses is the closed set of values accepted at write time.
// Legacy or unknown values are rejected, not silently stored.
var canonicalPaymentStatuses = map[PaymentStatus]bool{
	PaymentStatusScheduled:      true,
	PaymentStatusMethodRequired: true,
	PaymentStatusAuthorized:     true,
	PaymentStatusLockedFunds:    true,
	PaymentStatusSettled:        true,
	PaymentStatusManualReview:   true,
	PaymentStatusCancelled:      true,
}

// IsValid reports whether the status is in the canonical set
func (s PaymentStatus) IsValid() bool {
	return canonicalPaymentStatuses[s]
}

// Settlement outcome labels stamped on terminal resolutions
const (
	OutcomeStudentCancelGe24       = "student_cancel_ge24_full_refund"
	OutcomeStudentCancel1224       = "student_cancel_12_24_full_credit"
	OutcomeStudentCancelLt12       = "student_cancel_lt12_split_50_50"
	OutcomeInstructorCancelRefund  = "instructor_cancel_full_refund"
	OutcomeLockedCancelGe12        = "locked_cancel_ge12_full_credit"
	OutcomeLockedCancelLt12        = "locked_cancel_lt12_split_50_50"
	OutcomeCaptureFailureEscalated = "capture_failure_instructor_paid"
	OutcomeLessonCompleted         = "lesson_completed_captured"
	OutcomeAuthTimeoutCancelled    = "auth_timeout_cancelled"
	OutcomeDisputeLost             = "dispute_closed_lost"
	OutcomeDisputeWon              = "dispute_closed_won"
)

// BookingPayment is the 1:1 payment satellite of a Booking. It is mutated only
// by the payment orchestrator and the cancellation execution path.
type BookingPayment struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	BookingID uint           `gorm:"uniqueIndex;not null" json:"booking_id"`

	Status          PaymentStatus `gorm:"type:varchar(30);not null;default:'scheduled';index" json:"status"`
	PaymentIntentID string        `gorm:"type:varchar(100);index" json:"payment_intent_id,omitempty"`
	PaymentMethodID string        `gorm:"type:varchar(100)" json:"-"`

	// Authorization scheduling and failure tracking
	ImmediateAuth               bool       `gorm:"default:false" json:"immediate_auth"` // 30-minute deadline instead of the T-24 window
	AuthScheduledFor            *time.Time `gorm:"index" json:"auth_scheduled_for,omitempty"`
	AuthAttemptedAt             *time.Time `json:"auth_attempted_at,omitempty"`
	AuthFailureCount            int        `gorm:"default:0" json:"auth_failure_count"`
	AuthFailureFirstEmailSentAt *time.Time `json:"-"` // T-24 warning, sent at most once
	AuthFinalWarningSentAt      *time.Time `json:"-"` // T-13 warning, sent at most once
	AuthorizedAt                *time.Time `json:"authorized_at,omitempty"`

	// Capture tracking. CaptureFailedAt starts the 72h escalation clock and is
	// only stamped for gateway-reported failures, never for unexpected errors.
	CapturedAt          *time.Time `json:"captured_at,omitempty"`
	CaptureFailedAt     *time.Time `gorm:"index" json:"capture_failed_at,omitempty"`
	CaptureFailureCount int        `gorm:"default:0" json:"capture_failure_count"`
	CaptureError        string     `gorm:"type:varchar(255)" json:"capture_error,omitempty"`
	CaptureEscalatedAt  *time.Time `json:"capture_escalated_at,omitempty"`

	CreditsReservedCents int64  `gorm:"default:0" json:"credits_reserved_cents"`
	CardChargeCents      int64  `gorm:"default:0" json:"card_charge_cents"`
	SettlementOutcome    string `gorm:"type:varchar(60)" json:"settlement_outcome,omitempty"`

	Booking Booking `gorm:"foreignKey:BookingID" json:"-"`
}

// TableName specifies the table name for BookingPayment
func (BookingPayment) TableName() string {
	return "booking_payments"
}

// BeforeSave rejects payment status values outside the canonical set
func (p *BookingPayment) BeforeSave(tx *gorm.DB) error {
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid payment status %q for booking %d", p.Status, p.BookingID)
	}
	return nil
}

// IsTerminal reports whether the automated pipeline is done with this payment
func (p *BookingPayment) IsTerminal() bool {
	return p.Status == PaymentStatusSettled || p.Status == PaymentStatusManualReview || p.Status == PaymentStatusCancelled
}
