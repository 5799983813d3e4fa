package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/database"
	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services/gateway"
	"github.com/lessonloop/lessonloop-api/services/policy"
	"github.com/lessonloop/lessonloop-api/utils/idempotency"
)

var (
	ErrSlotTaken          = errors.New("the requested time slot is no longer available")
	ErrInvalidTimeRange   = errors.New("lesson end must be after start")
	ErrInstructorNotFound = errors.New("instructor not found")
	ErrNotAnInstructor    = errors.New("user is not an instructor")
	ErrRescheduleTooLate  = errors.New("rescheduling is not available this close to the lesson")
)

// BookingConfig carries the pricing knobs applied at booking time
type BookingConfig struct {
	StudentFeeCents     int64
	InstructorPayoutPct int
}

// BookingService creates and reschedules lessons. Overlap protection is the
// database's exclusion constraints; this layer translates constraint
// violations into business errors and wires each new booking into the payment
// pipeline.
type BookingService struct {
	db           *gorm.DB
	orchestrator *PaymentOrchestrator
	clock        Clock
	cfg          BookingConfig
}

// NewBookingService creates a new booking service
func NewBookingService(db *gorm.DB, orchestrator *PaymentOrchestrator, clock Clock, cfg BookingConfig) *BookingService {
	if cfg.InstructorPayoutPct <= 0 || cfg.InstructorPayoutPct > 100 {
		cfg.InstructorPayoutPct = 80
	}
	return &BookingService{db: db, orchestrator: orchestrator, clock: clock, cfg: cfg}
}

// CreateBookingRequest is the validated input for a new lesson
type CreateBookingRequest struct {
	StudentID       uint      `json:"-"`
	InstructorID    uint      `json:"instructor_id" validate:"required"`
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	EndsAt          time.Time `json:"ends_at" validate:"required"`
	PaymentMethodID string    `json:"payment_method_id" validate:"required"`
}

// payoutFor computes the instructor's share of a lesson price in whole cents
func (s *BookingService) payoutFor(priceCents int64) int64 {
	return int64(math.Round(float64(priceCents) * float64(s.cfg.InstructorPayoutPct) / 100))
}

// priceFor computes the lesson price from the instructor's hourly rate
func priceFor(hourlyRateCents int64, start, end time.Time) int64 {
	hours := end.Sub(start).Hours()
	return int64(math.Round(float64(hourlyRateCents) * hours))
}

// CreateBooking books a lesson slot and schedules its payment. Bookings made
// more than 24 hours out authorize at T-24; closer bookings authorize
// immediately and must succeed within the 30-minute deadline or be cancelled.
func (s *BookingService) CreateBooking(ctx context.Context, req CreateBookingRequest) (*model.Booking, error) {
	if !req.EndsAt.After(req.StartsAt) {
		return nil, ErrInvalidTimeRange
	}
	now := s.clock.Now()
	if req.StartsAt.Before(now) {
		return nil, fmt.Errorf("%w: lesson start is in the past", ErrInvalidTimeRange)
	}

	var student model.User
	if err := s.db.WithContext(ctx).First(&student, req.StudentID).Error; err != nil {
		return nil, fmt.Errorf("failed to load student: %w", err)
	}
	if student.AccountLocked || student.AccountRestricted {
		return nil, ErrAccountNotInGoodStanding
	}

	var instructor model.User
	err := s.db.WithContext(ctx).First(&instructor, req.InstructorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInstructorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instructor: %w", err)
	}
	if !instructor.IsInstructor() {
		return nil, ErrNotAnInstructor
	}

	price := priceFor(instructor.HourlyRateCents, req.StartsAt, req.EndsAt)
	start := req.StartsAt.UTC()
	end := req.EndsAt.UTC()
	immediate := start.Sub(now) < 24*time.Hour
	authAt := start.Add(-24 * time.Hour)
	if immediate {
		authAt = now
	}

	booking := &model.Booking{
		StudentID:             req.StudentID,
		InstructorID:          req.InstructorID,
		LessonDate:            start.Truncate(24 * time.Hour),
		StartTime:             start.Format("15:04"),
		EndTime:               end.Format("15:04"),
		StartsAt:              start,
		EndsAt:                end,
		Status:                model.BookingStatusPending,
		PriceCents:            price,
		StudentFeeCents:       s.cfg.StudentFeeCents,
		InstructorPayoutCents: s.payoutFor(price),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(booking).Error; err != nil {
			if database.IsOverlapViolation(err) || database.IsUniqueViolation(err) {
				return ErrSlotTaken
			}
			return fmt.Errorf("failed to create booking: %w", err)
		}
		payment := &model.BookingPayment{
			BookingID:       booking.ID,
			Status:          model.PaymentStatusScheduled,
			PaymentMethodID: req.PaymentMethodID,
			ImmediateAuth:   immediate,
			AuthScheduledFor: &authAt,
		}
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create payment record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if immediate {
		res, err := s.orchestrator.AuthorizeBooking(ctx, booking.ID)
		if err != nil {
			log.Printf("Immediate authorization errored for booking %d: %v", booking.ID, err)
		} else if res.Status != AuthStatusAuthorized {
			log.Printf("Immediate authorization pending for booking %d: %s", booking.ID, res.Status)
		}
	}

	if err := s.db.WithContext(ctx).Preload("Payment").First(booking, booking.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload booking %d: %w", booking.ID, err)
	}
	return booking, nil
}

// RescheduleBooking moves a lesson to a new slot, preserving the payment
// chain. Over 24 hours out the move is free and unlimited. In the 12-24
// window a single late reschedule per lineage is allowed and an existing
// authorization travels with the chain as locked funds. Inside 12 hours
// rescheduling is closed.
func (s *BookingService) RescheduleBooking(ctx context.Context, bookingID uint, newStart, newEnd time.Time) (*model.Booking, error) {
	if !newEnd.After(newStart) {
		return nil, ErrInvalidTimeRange
	}

	var child *model.Booking
	err := s.orchestrator.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			parent, payment, err := s.orchestrator.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}
			if !parent.IsCancellable() {
				return ErrNotCancellable
			}

			hours := s.clock.HoursUntil(parent.StartsAt)
			if !policy.CanLateReschedule(hours, parent.LateRescheduleUsed) {
				if policy.BucketFor(hours) == policy.BucketUnder12h {
					return ErrRescheduleTooLate
				}
				return ErrRescheduleLimit
			}
			isLate := policy.BucketFor(hours) == policy.BucketBetween1224

			now := s.clock.Now()
			start := newStart.UTC()
			end := newEnd.UTC()
			parentID := parent.ID

			child = &model.Booking{
				StudentID:             parent.StudentID,
				InstructorID:          parent.InstructorID,
				LessonDate:            start.Truncate(24 * time.Hour),
				StartTime:             start.Format("15:04"),
				EndTime:               end.Format("15:04"),
				StartsAt:              start,
				EndsAt:                end,
				Status:                model.BookingStatusPending,
				PriceCents:            parent.PriceCents,
				StudentFeeCents:       parent.StudentFeeCents,
				InstructorPayoutCents: parent.InstructorPayoutCents,
				RescheduledFromID:     &parentID,
				LateRescheduleUsed:    parent.LateRescheduleUsed || isLate,
			}
			if err := tx.Create(child).Error; err != nil {
				if database.IsOverlapViolation(err) || database.IsUniqueViolation(err) {
					return ErrSlotTaken
				}
				return fmt.Errorf("failed to create rescheduled booking: %w", err)
			}

			holdsFunds := payment.Status == model.PaymentStatusAuthorized

			childPayment := &model.BookingPayment{
				BookingID:       child.ID,
				PaymentMethodID: payment.PaymentMethodID,
			}
			if holdsFunds {
				// The authorization travels with the chain: the child captures
				// this hold itself when it settles.
				authorizedAt := payment.AuthorizedAt
				childPayment.Status = model.PaymentStatusLockedFunds
				childPayment.PaymentIntentID = payment.PaymentIntentID
				childPayment.CardChargeCents = payment.CardChargeCents
				childPayment.CreditsReservedCents = payment.CreditsReservedCents
				childPayment.AuthorizedAt = authorizedAt
			} else {
				immediate := start.Sub(now) < 24*time.Hour
				authAt := start.Add(-24 * time.Hour)
				if immediate {
					authAt = now
				}
				childPayment.Status = model.PaymentStatusScheduled
				childPayment.ImmediateAuth = immediate
				childPayment.AuthScheduledFor = &authAt
			}
			if err := tx.Create(childPayment).Error; err != nil {
				return fmt.Errorf("failed to create rescheduled payment record: %w", err)
			}

			if holdsFunds {
				// Reserved credits follow the chain too.
				if err := tx.Model(&model.PlatformCredit{}).
					Where("reserved_for_booking_id = ? AND status = ?", parent.ID, model.CreditStatusReserved).
					Update("reserved_for_booking_id", child.ID).Error; err != nil {
					return fmt.Errorf("failed to move credit reservation to booking %d: %w", child.ID, err)
				}
			} else {
				if _, err := s.orchestrator.credits.ReleaseCreditsForBooking(ctx, parent.ID, tx); err != nil {
					return err
				}
				if payment.PaymentIntentID != "" {
					err := s.orchestrator.gateway.CancelPaymentIntent(ctx, payment.PaymentIntentID,
						idempotency.New(parent.ID, idempotency.OpCancelIntent, payment.AuthFailureCount))
					if err != nil && gateway.CodeOf(err) != gateway.ErrInvalidRequest {
						return fmt.Errorf("failed to release hold for booking %d: %w", parent.ID, err)
					}
				}
			}

			if err := tx.Model(parent).Updates(map[string]interface{}{
				"status":                model.BookingStatusCancelled,
				"cancelled_at":          now,
				"cancelled_by":          model.CancelActorStudent,
				"cancel_reason":         model.CancelReasonRequested,
				"rescheduled_to_id":     child.ID,
				"locked_for_reschedule": holdsFunds,
			}).Error; err != nil {
				return fmt.Errorf("failed to close out booking %d: %w", parent.ID, err)
			}
			if err := tx.Model(payment).Update("status", model.PaymentStatusCancelled).Error; err != nil {
				return fmt.Errorf("failed to close out payment for booking %d: %w", parent.ID, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Preload("Payment").First(child, child.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload booking %d: %w", child.ID, err)
	}
	return child, nil
}

// GetBooking returns one booking with its payment and transfer satellites,
// scoped to a participant unless requesterID is zero (admin).
func (s *BookingService) GetBooking(ctx context.Context, bookingID, requesterID uint) (*model.Booking, error) {
	var booking model.Booking
	err := s.db.WithContext(ctx).Preload("Payment").Preload("Transfer").First(&booking, bookingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking %d: %w", bookingID, err)
	}
	if requesterID != 0 && booking.StudentID != requesterID && booking.InstructorID != requesterID {
		return nil, ErrBookingNotFound
	}
	return &booking, nil
}

// ListBookingsOptions filters a booking listing
type ListBookingsOptions struct {
	UserID uint
	Role   string // student or instructor side of the booking
	Status model.BookingStatus
	Limit  int
	Offset int
}

// ListBookings returns a page of a user's bookings, newest lesson first
func (s *BookingService) ListBookings(ctx context.Context, opts ListBookingsOptions) ([]model.Booking, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Booking{})
	if opts.Role == model.RoleInstructor {
		query = query.Where("instructor_id = ?", opts.UserID)
	} else {
		query = query.Where("student_id = ?", opts.UserID)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count bookings: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var bookings []model.Booking
	err := query.Preload("Payment").
		Order("starts_at DESC").
		Limit(limit).Offset(opts.Offset).
		Find(&bookings).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, total, nil
}

// MarkNoShow records a student no-show. The lesson is still paid for: the
// held funds capture as usual once the slot has passed.
func (s *BookingService) MarkNoShow(ctx context.Context, bookingID, instructorID uint) error {
	result := s.db.WithContext(ctx).Model(&model.Booking{}).
		Where("id = ? AND instructor_id = ? AND status = ? AND starts_at <= ?",
			bookingID, instructorID, model.BookingStatusConfirmed, s.clock.Now()).
		Update("status", model.BookingStatusNoShow)
	if result.Error != nil {
		return fmt.Errorf("failed to mark booking %d no-show: %w", bookingID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrBookingNotFound
	}
	return nil
}
