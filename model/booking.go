package model

import (
	"time"

	"gorm.io/gorm"
)

// BookingStatus represents the lifecycle status of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusNoShow    BookingStatus = "no_show"
)

// Cancellation actors
const (
	CancelActorStudent    = "student"
	CancelActorInstructor = "instructor"
	CancelActorPlatform   = "platform"
)

// Cancellation reason codes. ADMIN_DISCRETION, TECHNICAL_ISSUE, INSTRUCTOR_NO_SHOW
// and DUPLICATE_CHARGE force a card refund regardless of timing.
const (
	CancelReasonRequested        = "REQUESTED"
	CancelReasonAdminDiscretion  = "ADMIN_DISCRETION"
	CancelReasonTechnicalIssue   = "TECHNICAL_ISSUE"
	CancelReasonInstructorNoShow = "INSTRUCTOR_NO_SHOW"
	CancelReasonDuplicateCharge  = "DUPLICATE_CHARGE"
)

// Booking represents one scheduled lesson between a student and an instructor.
// Bookings are never deleted, only status-transitioned.
type Booking struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	StudentID    uint           `gorm:"not null;index" json:"student_id"`
	InstructorID uint           `gorm:"not null;index" json:"instructor_id"`

	// Local schedule plus the resolved UTC instants. StartsAt/EndsAt are the
	// values every deadline computation works off.
	LessonDate time.Time `gorm:"type:date;not null" json:"lesson_date"`
	StartTime  string    `gorm:"type:varchar(5);not null" json:"start_time"` // "15:04" local
	EndTime    string    `gorm:"type:varchar(5);not null" json:"end_time"`
	StartsAt   time.Time `gorm:"not null;index" json:"starts_at"` // UTC
	EndsAt     time.Time `gorm:"not null;index" json:"ends_at"`   // UTC

	Status          BookingStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	DurationMinutes int           `gorm:"not null" json:"duration_minutes"`

	PriceCents            int64 `gorm:"not null" json:"price_cents"`
	StudentFeeCents       int64 `gorm:"not null;default:0" json:"student_fee_cents"`
	InstructorPayoutCents int64 `gorm:"not null;default:0" json:"instructor_payout_cents"`

	// Reschedule lineage. A locked booking holds funds against its parent until
	// the chain resolves.
	RescheduledFromID   *uint `gorm:"index" json:"rescheduled_from_id,omitempty"`
	RescheduledToID     *uint `gorm:"index" json:"rescheduled_to_id,omitempty"`
	LockedForReschedule bool  `gorm:"default:false" json:"locked_for_reschedule"`
	LateRescheduleUsed  bool  `gorm:"default:false" json:"late_reschedule_used"`

	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy  string     `gorm:"type:varchar(20)" json:"cancelled_by,omitempty"`
	CancelReason string     `gorm:"type:varchar(50)" json:"cancel_reason,omitempty"`

	// Relationships
	Student    User             `gorm:"foreignKey:StudentID" json:"student,omitempty"`
	Instructor User             `gorm:"foreignKey:InstructorID" json:"instructor,omitempty"`
	Payment    *BookingPayment  `gorm:"foreignKey:BookingID;constraint:OnDelete:CASCADE" json:"payment,omitempty"`
	Transfer   *BookingTransfer `gorm:"foreignKey:BookingID;constraint:OnDelete:CASCADE" json:"transfer,omitempty"`
}

// TableName specifies the table name for Booking
func (Booking) TableName() string {
	return "bookings"
}

// IsActive reports whether the booking still occupies its time window for
// overlap purposes. Cancelled bookings free the slot.
func (b *Booking) IsActive() bool {
	return b.Status != BookingStatusCancelled
}

// IsCancellable reports whether a cancellation request makes sense at all
func (b *Booking) IsCancellable() bool {
	return b.Status == BookingStatusPending || b.Status == BookingStatusConfirmed
}
