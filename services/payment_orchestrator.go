package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services/gateway"
	"github.com/lessonloop/lessonloop-api/utils/idempotency"
	"github.com/lessonloop/lessonloop-api/utils/lock"
)

// Business-rule errors surfaced to the request layer
var (
	ErrBookingNotFound          = errors.New("booking not found")
	ErrPaymentRowMissing        = errors.New("booking has no payment record")
	ErrNotCancellable           = errors.New("booking cannot be cancelled in its current status")
	ErrRescheduleLimit          = errors.New("late reschedule already used for this booking")
	ErrAccountNotInGoodStanding = errors.New("account is locked or restricted")
)

// CaptureEscalationThreshold is how long a gateway-reported capture failure
// may sit before the platform pays the instructor out of its own funds.
const CaptureEscalationThreshold = 72 * time.Hour

// OrchestratorConfig tunes the payment pipeline deadlines
type OrchestratorConfig struct {
	MaxAuthAttempts       int           // retry ceiling for failed authorizations
	ImmediateAuthDeadline time.Duration // auth deadline for bookings made inside the T-24 window
}

// DefaultOrchestratorConfig returns the production defaults
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxAuthAttempts:       3,
		ImmediateAuthDeadline: 30 * time.Minute,
	}
}

// PaymentOrchestrator drives the booking payment state machine: scheduled
// pre-authorization, capture at lesson completion, cancellation settlement and
// the escalation ladder. Every mutating path takes the per-booking advisory
// lock and re-reads state under FOR UPDATE before acting, so scheduler sweeps
// and request-path calls racing on the same booking collapse into one winner.
type PaymentOrchestrator struct {
	db            *gorm.DB
	gateway       gateway.PaymentGateway
	credits       *CreditService
	notifications *NotificationService
	emails        *EmailService
	receipts      *ReceiptService
	locker        *lock.BookingLocker
	clock         Clock
	cfg           OrchestratorConfig
}

// NewPaymentOrchestrator creates a new payment orchestrator with explicit
// dependencies; nothing is reached through package state.
func NewPaymentOrchestrator(
	db *gorm.DB,
	gw gateway.PaymentGateway,
	credits *CreditService,
	notifications *NotificationService,
	emails *EmailService,
	receipts *ReceiptService,
	locker *lock.BookingLocker,
	clock Clock,
	cfg OrchestratorConfig,
) *PaymentOrchestrator {
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = DefaultOrchestratorConfig().MaxAuthAttempts
	}
	if cfg.ImmediateAuthDeadline <= 0 {
		cfg.ImmediateAuthDeadline = DefaultOrchestratorConfig().ImmediateAuthDeadline
	}
	return &PaymentOrchestrator{
		db:            db,
		gateway:       gw,
		credits:       credits,
		notifications: notifications,
		emails:        emails,
		receipts:      receipts,
		locker:        locker,
		clock:         clock,
		cfg:           cfg,
	}
}

// SweepSummary is the observability count object every sweep returns
type SweepSummary struct {
	Processed    int `json:"processed"`
	Success      int `json:"success"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	Retried      int `json:"retried"`
	Escalated    int `json:"escalated"`
	WarningsSent int `json:"warnings_sent"`
	Skipped      int `json:"skipped"`
}

// AuthStatus classifies the outcome of one authorization attempt
type AuthStatus string

const (
	AuthStatusAuthorized AuthStatus = "authorized"
	AuthStatusFailed     AuthStatus = "failed"
	AuthStatusSkipped    AuthStatus = "skipped"
	AuthStatusCancelled  AuthStatus = "cancelled"
)

// AuthResult reports one authorization attempt
type AuthResult struct {
	Status    AuthStatus        `json:"status"`
	ErrorCode gateway.ErrorCode `json:"error_code,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// loadForUpdate locks and returns the booking/payment pair inside tx. A
// missing payment row on a priced booking is a data error: fail before
// touching anything money-moving.
func (o *PaymentOrchestrator) loadForUpdate(tx *gorm.DB, bookingID uint) (*model.Booking, *model.BookingPayment, error) {
	var booking model.Booking
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&booking, bookingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load booking %d: %w", bookingID, err)
	}

	var payment model.BookingPayment
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("booking_id = ?", bookingID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: booking %d", ErrPaymentRowMissing, bookingID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load payment for booking %d: %w", bookingID, err)
	}

	return &booking, &payment, nil
}

// transferForUpdate locks (creating on first use) the transfer record
func (o *PaymentOrchestrator) transferForUpdate(tx *gorm.DB, bookingID uint) (*model.BookingTransfer, error) {
	var transfer model.BookingTransfer
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("booking_id = ?", bookingID).First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		transfer = model.BookingTransfer{BookingID: bookingID}
		if err := tx.Create(&transfer).Error; err != nil {
			return nil, fmt.Errorf("failed to create transfer record for booking %d: %w", bookingID, err)
		}
		return &transfer, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer record for booking %d: %w", bookingID, err)
	}
	return &transfer, nil
}

// AuthorizeBooking attempts authorization for one booking: credits are
// reserved first, the card is charged only for the remainder. A gateway
// failure is an expected outcome recorded on the payment row, not an error.
func (o *PaymentOrchestrator) AuthorizeBooking(ctx context.Context, bookingID uint) (AuthResult, error) {
	var result AuthResult
	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}

			if booking.Status == model.BookingStatusCancelled || payment.IsTerminal() {
				result = AuthResult{Status: AuthStatusSkipped}
				return nil
			}
			if payment.Status != model.PaymentStatusScheduled && payment.Status != model.PaymentStatusMethodRequired {
				result = AuthResult{Status: AuthStatusSkipped}
				return nil
			}

			reserved, err := o.credits.ReserveCredits(ctx, booking.StudentID, booking.ID, booking.PriceCents, tx)
			if err != nil {
				return err
			}

			// Credits may only offset the lesson price, never the fee: the
			// fee is the charge floor whenever any card charge exists, and
			// the card step is skipped only when nothing is left to charge.
			cardCharge := GetCardChargeAmount(booking.PriceCents, booking.StudentFeeCents, reserved)

			now := o.clock.Now()
			intentID := payment.PaymentIntentID

			if cardCharge > 0 {
				attempt := payment.AuthFailureCount
				var intent *gateway.PaymentIntent
				var gwErr error
				if intentID == "" {
					intent, gwErr = o.gateway.CreatePaymentIntent(ctx, gateway.CreateIntentInput{
						AmountCents:     cardCharge,
						PaymentMethodID: payment.PaymentMethodID,
						Description:     fmt.Sprintf("Lesson booking %d", booking.ID),
						BookingID:       booking.ID,
					}, idempotency.New(booking.ID, idempotency.OpAuthorize, attempt))
				} else {
					intent, gwErr = o.gateway.ConfirmPaymentIntent(ctx, intentID,
						idempotency.New(booking.ID, idempotency.OpConfirm, attempt))
				}
				if gwErr != nil {
					code := gateway.CodeOf(gwErr)
					log.Printf("Authorization failed for booking %d (attempt %d): %v", booking.ID, attempt+1, gwErr)

					updates := map[string]interface{}{
						"status":             model.PaymentStatusMethodRequired,
						"auth_attempted_at":  now,
						"auth_failure_count": payment.AuthFailureCount + 1,
					}
					if err := tx.Model(payment).Updates(updates).Error; err != nil {
						return fmt.Errorf("failed to record auth failure: %w", err)
					}
					result = AuthResult{Status: AuthStatusFailed, ErrorCode: code, Message: gwErr.Error()}
					return nil
				}
				intentID = intent.ID
			}

			paymentUpdates := map[string]interface{}{
				"status":                 model.PaymentStatusAuthorized,
				"payment_intent_id":      intentID,
				"auth_attempted_at":      now,
				"authorized_at":          now,
				"credits_reserved_cents": reserved,
				"card_charge_cents":      cardCharge,
			}
			if err := tx.Model(payment).Updates(paymentUpdates).Error; err != nil {
				return fmt.Errorf("failed to mark payment authorized: %w", err)
			}
			if err := tx.Model(booking).Update("status", model.BookingStatusConfirmed).Error; err != nil {
				return fmt.Errorf("failed to confirm booking: %w", err)
			}

			result = AuthResult{Status: AuthStatusAuthorized}
			return nil
		})
	})
	return result, err
}

// ProcessScheduledAuthorizations authorizes every booking whose scheduled
// authorization time has arrived. One booking's failure never stops the sweep.
func (o *PaymentOrchestrator) ProcessScheduledAuthorizations(ctx context.Context) SweepSummary {
	var summary SweepSummary
	now := o.clock.Now()

	var due []model.BookingPayment
	err := o.db.WithContext(ctx).
		Joins("JOIN bookings ON bookings.id = booking_payments.booking_id").
		Where("booking_payments.status = ?", model.PaymentStatusScheduled).
		Where("booking_payments.auth_scheduled_for IS NOT NULL AND booking_payments.auth_scheduled_for <= ?", now).
		Where("bookings.status NOT IN ?", []model.BookingStatus{model.BookingStatusCancelled}).
		Find(&due).Error
	if err != nil {
		log.Printf("Failed to query scheduled authorizations: %v", err)
		return summary
	}

	for _, payment := range due {
		summary.Processed++
		res, err := o.AuthorizeBooking(ctx, payment.BookingID)
		if err != nil {
			log.Printf("Authorization error for booking %d: %v", payment.BookingID, err)
			summary.Failed++
			continue
		}
		switch res.Status {
		case AuthStatusAuthorized:
			summary.Success++
		case AuthStatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			summary.WarningsSent += o.handleAuthFailureFollowUp(ctx, payment.BookingID)
		}
	}

	return summary
}

// RetryFailedAuthorizations re-attempts payment_method_required bookings. A
// booking past its authorization deadline is cancelled instead of retried.
func (o *PaymentOrchestrator) RetryFailedAuthorizations(ctx context.Context) SweepSummary {
	var summary SweepSummary

	var failed []model.BookingPayment
	err := o.db.WithContext(ctx).
		Joins("JOIN bookings ON bookings.id = booking_payments.booking_id").
		Where("booking_payments.status = ?", model.PaymentStatusMethodRequired).
		// A payment that once authorized is a capture-side failure; those
		// retries run in their own sweep and must never be cancelled here.
		Where("booking_payments.authorized_at IS NULL").
		Where("bookings.status NOT IN ?", []model.BookingStatus{model.BookingStatusCancelled, model.BookingStatusCompleted}).
		Find(&failed).Error
	if err != nil {
		log.Printf("Failed to query failed authorizations: %v", err)
		return summary
	}

	for _, payment := range failed {
		summary.Processed++

		var booking model.Booking
		if err := o.db.WithContext(ctx).First(&booking, payment.BookingID).Error; err != nil {
			log.Printf("Failed to load booking %d for auth retry: %v", payment.BookingID, err)
			summary.Failed++
			continue
		}

		if o.authDeadlinePassed(&booking, &payment) || payment.AuthFailureCount >= o.cfg.MaxAuthAttempts {
			if err := o.CancelForPaymentFailure(ctx, payment.BookingID); err != nil {
				log.Printf("Failed to cancel booking %d after auth deadline: %v", payment.BookingID, err)
				summary.Failed++
			} else {
				summary.Cancelled++
			}
			continue
		}

		res, err := o.AuthorizeBooking(ctx, payment.BookingID)
		if err != nil {
			log.Printf("Authorization retry error for booking %d: %v", payment.BookingID, err)
			summary.Failed++
			continue
		}
		summary.Retried++
		switch res.Status {
		case AuthStatusAuthorized:
			summary.Success++
		case AuthStatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			summary.WarningsSent += o.handleAuthFailureFollowUp(ctx, payment.BookingID)
		}
	}

	return summary
}

// CheckImmediateAuthTimeout cancels a booking created inside the T-24 window
// whose 30-minute authorization deadline has elapsed without success.
func (o *PaymentOrchestrator) CheckImmediateAuthTimeout(ctx context.Context, bookingID uint) (AuthResult, error) {
	var booking model.Booking
	if err := o.db.WithContext(ctx).First(&booking, bookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AuthResult{}, ErrBookingNotFound
		}
		return AuthResult{}, err
	}
	var payment model.BookingPayment
	if err := o.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&payment).Error; err != nil {
		return AuthResult{}, fmt.Errorf("%w: booking %d", ErrPaymentRowMissing, bookingID)
	}

	// A payment that once authorized is past the authorization window for
	// good; a later capture failure must not look like an auth timeout.
	if !payment.ImmediateAuth || payment.Status == model.PaymentStatusAuthorized ||
		payment.AuthorizedAt != nil || payment.IsTerminal() {
		return AuthResult{Status: AuthStatusSkipped}, nil
	}
	if o.clock.Now().Before(payment.CreatedAt.Add(o.cfg.ImmediateAuthDeadline)) {
		return AuthResult{Status: AuthStatusSkipped}, nil
	}

	if err := o.CancelForPaymentFailure(ctx, bookingID); err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Status: AuthStatusCancelled}, nil
}

// SweepImmediateAuthTimeouts applies CheckImmediateAuthTimeout to every
// immediate-auth booking still waiting on authorization.
func (o *PaymentOrchestrator) SweepImmediateAuthTimeouts(ctx context.Context) SweepSummary {
	var summary SweepSummary
	cutoff := o.clock.Now().Add(-o.cfg.ImmediateAuthDeadline)

	var pending []model.BookingPayment
	err := o.db.WithContext(ctx).
		Where("immediate_auth = ? AND status IN ? AND authorized_at IS NULL AND created_at <= ?",
			true,
			[]model.PaymentStatus{model.PaymentStatusScheduled, model.PaymentStatusMethodRequired},
			cutoff).
		Find(&pending).Error
	if err != nil {
		log.Printf("Failed to query immediate-auth timeouts: %v", err)
		return summary
	}

	for _, payment := range pending {
		summary.Processed++
		res, err := o.CheckImmediateAuthTimeout(ctx, payment.BookingID)
		if err != nil {
			log.Printf("Immediate-auth timeout check failed for booking %d: %v", payment.BookingID, err)
			summary.Failed++
			continue
		}
		if res.Status == AuthStatusCancelled {
			summary.Cancelled++
		} else {
			summary.Skipped++
		}
	}

	return summary
}

// authDeadlinePassed reports whether the authorization window for a booking
// is over: 30 minutes after creation for immediate confirmations, otherwise
// the lesson start itself.
func (o *PaymentOrchestrator) authDeadlinePassed(booking *model.Booking, payment *model.BookingPayment) bool {
	now := o.clock.Now()
	if payment.ImmediateAuth {
		return now.After(payment.CreatedAt.Add(o.cfg.ImmediateAuthDeadline))
	}
	return now.After(booking.StartsAt)
}

// handleAuthFailureFollowUp walks the warning ladder after a failed attempt:
// a T-24 warning on the first failure, a final T-13 warning when the lesson is
// 12-13 hours out. Both are sent at most once, tracked by distinct timestamps.
// Returns the number of warnings sent.
func (o *PaymentOrchestrator) handleAuthFailureFollowUp(ctx context.Context, bookingID uint) int {
	var booking model.Booking
	if err := o.db.WithContext(ctx).Preload("Student").First(&booking, bookingID).Error; err != nil {
		log.Printf("Failed to load booking %d for warning ladder: %v", bookingID, err)
		return 0
	}
	var payment model.BookingPayment
	if err := o.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&payment).Error; err != nil {
		return 0
	}
	if payment.Status != model.PaymentStatusMethodRequired {
		return 0
	}

	now := o.clock.Now()
	hoursUntil := o.clock.HoursUntil(booking.StartsAt)
	lessonDate := booking.StartsAt.Format("Jan 2, 2006 at 15:04 MST")
	sent := 0

	if payment.AuthFailureFirstEmailSentAt == nil {
		if err := o.emails.SendPaymentFailedNotification(booking.Student.Email, booking.Student.Name, lessonDate); err != nil {
			log.Printf("Payment-failed email for booking %d not sent: %v", bookingID, err)
		}
		o.notifications.NotifyPaymentFailed(ctx, booking.StudentID, booking.ID, "")
		if err := o.db.WithContext(ctx).Model(&payment).
			Update("auth_failure_first_email_sent_at", now).Error; err != nil {
			log.Printf("Failed to stamp first warning for booking %d: %v", bookingID, err)
		}
		sent++
	}

	if payment.AuthFinalWarningSentAt == nil && hoursUntil >= 12 && hoursUntil < 13 {
		if err := o.emails.SendFinalPaymentWarning(booking.Student.Email, booking.Student.Name, lessonDate); err != nil {
			log.Printf("Final payment warning for booking %d not sent: %v", bookingID, err)
		}
		if err := o.db.WithContext(ctx).Model(&payment).
			Update("auth_final_warning_sent_at", now).Error; err != nil {
			log.Printf("Failed to stamp final warning for booking %d: %v", bookingID, err)
		}
		sent++
	}

	return sent
}

// CancelForPaymentFailure cancels a booking whose authorization never
// succeeded: reserved credits return to available, any pending intent is
// cancelled and the student is told why.
func (o *PaymentOrchestrator) CancelForPaymentFailure(ctx context.Context, bookingID uint) error {
	var studentID uint
	var studentEmail, studentName, lessonDate string

	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}
			if booking.Status == model.BookingStatusCancelled || payment.IsTerminal() {
				return nil
			}

			if payment.PaymentIntentID != "" {
				err := o.gateway.CancelPaymentIntent(ctx, payment.PaymentIntentID,
					idempotency.New(booking.ID, idempotency.OpCancelIntent, payment.AuthFailureCount))
				if err != nil && gateway.CodeOf(err) != gateway.ErrInvalidRequest {
					return fmt.Errorf("failed to cancel payment intent for booking %d: %w", booking.ID, err)
				}
			}

			released, err := o.credits.ReleaseCreditsForBooking(ctx, booking.ID, tx)
			if err != nil {
				return err
			}

			now := o.clock.Now()
			if err := tx.Model(booking).Updates(map[string]interface{}{
				"status":        model.BookingStatusCancelled,
				"cancelled_at":  now,
				"cancelled_by":  model.CancelActorPlatform,
				"cancel_reason": model.CancelReasonRequested,
			}).Error; err != nil {
				return fmt.Errorf("failed to cancel booking %d: %w", booking.ID, err)
			}
			if err := tx.Model(payment).Updates(map[string]interface{}{
				"status":             model.PaymentStatusCancelled,
				"settlement_outcome": model.OutcomeAuthTimeoutCancelled,
			}).Error; err != nil {
				return fmt.Errorf("failed to cancel payment for booking %d: %w", booking.ID, err)
			}

			o.writeAudit(tx, booking.ID, model.OutcomeAuthTimeoutCancelled, model.CancelActorPlatform, "payment_failed", "sweep",
				model.SettlementAmounts{CreditsReleasedCents: released})

			var student model.User
			if err := tx.First(&student, booking.StudentID).Error; err == nil {
				studentID = student.ID
				studentEmail = student.Email
				studentName = student.Name
				lessonDate = booking.StartsAt.Format("Jan 2, 2006 at 15:04 MST")
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	// Notifications are best-effort and must not roll back the cancellation.
	if studentID != 0 {
		if err := o.emails.SendBookingCancelledPaymentFailed(studentEmail, studentName, lessonDate); err != nil {
			log.Printf("Cancellation email for booking %d not sent: %v", bookingID, err)
		}
		o.notifications.NotifyBookingCancelled(ctx, studentID, bookingID, model.OutcomeAuthTimeoutCancelled, 0)
	}
	return nil
}
