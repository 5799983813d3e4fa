package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services/gateway"
	"github.com/lessonloop/lessonloop-api/utils/idempotency"
)

// CaptureStatus classifies the outcome of one capture attempt
type CaptureStatus string

const (
	CaptureStatusCaptured        CaptureStatus = "captured"
	CaptureStatusAlreadyCaptured CaptureStatus = "already_captured"
	CaptureStatusSkipped         CaptureStatus = "skipped"
	CaptureStatusFailed          CaptureStatus = "failed"
	CaptureStatusEscalated       CaptureStatus = "escalated"
)

// CaptureResult reports one capture attempt
type CaptureResult struct {
	Status    CaptureStatus     `json:"status"`
	Outcome   string            `json:"outcome,omitempty"`
	ErrorCode gateway.ErrorCode `json:"error_code,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// writeAudit appends one settlement audit row inside tx. Audit failures are
// logged, never propagated: the settlement itself must not roll back over its
// own paper trail.
func (o *PaymentOrchestrator) writeAudit(tx *gorm.DB, bookingID uint, outcome, actor, reason, trigger string, amounts model.SettlementAmounts) {
	payload, err := json.Marshal(amounts)
	if err != nil {
		log.Printf("Failed to marshal settlement amounts for booking %d: %v", bookingID, err)
		payload = []byte("{}")
	}
	audit := model.SettlementAudit{
		BookingID:     bookingID,
		Outcome:       outcome,
		Actor:         actor,
		Reason:        reason,
		TriggerSource: trigger,
		Amounts:       payload,
	}
	if err := tx.Create(&audit).Error; err != nil {
		log.Printf("Failed to write settlement audit for booking %d: %v", bookingID, err)
	}
}

// ProcessCaptureForBooking captures the held funds for one booking and pays
// the instructor. State gates make the operation safe to call from any number
// of concurrent sweeps: terminal payments short-circuit without a gateway
// call, locked_funds payments settle against their reschedule chain, and a
// transfer id already on file means the payout step is done.
func (o *PaymentOrchestrator) ProcessCaptureForBooking(ctx context.Context, bookingID uint, trigger string) (CaptureResult, error) {
	var result CaptureResult
	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}

			switch {
			case booking.Status == model.BookingStatusCancelled,
				payment.Status == model.PaymentStatusManualReview,
				payment.Status == model.PaymentStatusCancelled:
				result = CaptureResult{Status: CaptureStatusSkipped}
				return nil
			case payment.Status == model.PaymentStatusSettled:
				// Another caller won the race. Report success without
				// touching the gateway.
				result = CaptureResult{Status: CaptureStatusAlreadyCaptured, Outcome: payment.SettlementOutcome}
				return nil
			case payment.Status == model.PaymentStatusLockedFunds:
				return o.resolveLockedPayment(ctx, tx, booking, payment, trigger, &result)
			case payment.Status == model.PaymentStatusAuthorized:
				// normal capture below
			case payment.Status == model.PaymentStatusMethodRequired && payment.CaptureFailureCount > 0:
				// capture retry after an earlier gateway failure; count, not
				// capture_failed_at, is the discriminator so transient API
				// errors stay retryable too
			default:
				result = CaptureResult{Status: CaptureStatusSkipped}
				return nil
			}

			now := o.clock.Now()

			if payment.CardChargeCents > 0 {
				_, gwErr := o.gateway.CapturePaymentIntent(ctx, payment.PaymentIntentID, payment.CardChargeCents,
					idempotency.New(booking.ID, idempotency.OpCapture, payment.CaptureFailureCount))
				if gwErr != nil {
					code := gateway.CodeOf(gwErr)
					if code == gateway.ErrAlreadyCaptured {
						// Funds are in. Proceed to settlement as a success.
						log.Printf("Capture for booking %d reported already captured, settling", booking.ID)
					} else {
						return o.recordCaptureFailure(tx, booking, payment, code, gwErr, now, &result)
					}
				}
			}

			return o.settleCaptured(ctx, tx, booking, payment, model.OutcomeLessonCompleted, trigger, &result)
		})
	})
	return result, err
}

// recordCaptureFailure writes the failure evidence onto the payment row.
// Only gateway-classified capture failures start the 72-hour escalation
// clock; an unexpected error leaves capture_failed_at untouched so transient
// API blips never mature into an escalation on their own.
func (o *PaymentOrchestrator) recordCaptureFailure(tx *gorm.DB, booking *model.Booking, payment *model.BookingPayment, code gateway.ErrorCode, gwErr error, now time.Time, result *CaptureResult) error {
	updates := map[string]interface{}{
		"status":                model.PaymentStatusMethodRequired,
		"capture_failure_count": payment.CaptureFailureCount + 1,
		"capture_error":         gwErr.Error(),
	}
	if (code == gateway.ErrAuthorizationExpired || code == gateway.ErrCardDeclined) && payment.CaptureFailedAt == nil {
		updates["capture_failed_at"] = now
	}
	if err := tx.Model(payment).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record capture failure for booking %d: %w", booking.ID, err)
	}
	log.Printf("Capture failed for booking %d (%s): %v", booking.ID, code, gwErr)
	*result = CaptureResult{Status: CaptureStatusFailed, ErrorCode: code, Message: gwErr.Error()}
	return nil
}

// settleCaptured finishes a successful capture: reserved credits are spent,
// the instructor is paid (once) and the payment becomes settled.
func (o *PaymentOrchestrator) settleCaptured(ctx context.Context, tx *gorm.DB, booking *model.Booking, payment *model.BookingPayment, outcome, trigger string, result *CaptureResult) error {
	now := o.clock.Now()

	forfeited, err := o.credits.ForfeitCreditsForBooking(ctx, booking.ID, tx)
	if err != nil {
		return err
	}

	transfer, err := o.transferForUpdate(tx, booking.ID)
	if err != nil {
		return err
	}

	instructorPaid := int64(0)
	if booking.InstructorPayoutCents > 0 && transfer.StripeTransferID == "" {
		var instructor model.User
		if err := tx.First(&instructor, booking.InstructorID).Error; err != nil {
			return fmt.Errorf("failed to load instructor for booking %d: %w", booking.ID, err)
		}
		if instructor.HasPayoutAccount() {
			t, gwErr := o.gateway.CreateManualTransfer(ctx, instructor.PayoutAccountID, booking.InstructorPayoutCents,
				fmt.Sprintf("Payout for booking %d", booking.ID),
				idempotency.New(booking.ID, idempotency.OpManualTransfer, 0))
			if gwErr != nil {
				return fmt.Errorf("instructor payout failed for booking %d: %w", booking.ID, gwErr)
			}
			if err := tx.Model(transfer).Update("stripe_transfer_id", t.ID).Error; err != nil {
				return fmt.Errorf("failed to record payout transfer for booking %d: %w", booking.ID, err)
			}
			instructorPaid = booking.InstructorPayoutCents
		} else {
			log.Printf("Instructor %d has no payout account, booking %d payout deferred", booking.InstructorID, booking.ID)
		}
	}

	if err := tx.Model(payment).Updates(map[string]interface{}{
		"status":             model.PaymentStatusSettled,
		"captured_at":        now,
		"capture_error":      "",
		"settlement_outcome": outcome,
	}).Error; err != nil {
		return fmt.Errorf("failed to settle payment for booking %d: %w", booking.ID, err)
	}

	amounts := model.SettlementAmounts{
		CapturedCents:         payment.CardChargeCents,
		CreditsForfeitedCents: forfeited,
		InstructorPaidCents:   instructorPaid,
	}
	o.writeAudit(tx, booking.ID, outcome, model.CancelActorPlatform, "", trigger, amounts)
	o.receipts.ArchiveSettlement(ctx, booking.ID, model.PaymentStatusSettled, outcome, amounts)

	*result = CaptureResult{Status: CaptureStatusCaptured, Outcome: outcome}
	return nil
}

// resolveLockedPayment settles a locked_funds payment once its reschedule
// chain finishes: the carried hold is captured, then the instructor is paid
// by manual transfer (append-once on payout_transfer_id, so concurrent
// resolvers collapse into one payout).
func (o *PaymentOrchestrator) resolveLockedPayment(ctx context.Context, tx *gorm.DB, booking *model.Booking, payment *model.BookingPayment, trigger string, result *CaptureResult) error {
	// The authorization travelled here from the parent booking and is this
	// payment's to collect. Capture it before any money moves out.
	if err := o.captureHeld(ctx, tx, booking, payment); err != nil {
		return err
	}

	transfer, err := o.transferForUpdate(tx, booking.ID)
	if err != nil {
		return err
	}

	instructorPaid := int64(0)
	if booking.InstructorPayoutCents > 0 && transfer.PayoutTransferID == "" {
		var instructor model.User
		if err := tx.First(&instructor, booking.InstructorID).Error; err != nil {
			return fmt.Errorf("failed to load instructor for booking %d: %w", booking.ID, err)
		}
		if instructor.HasPayoutAccount() {
			t, gwErr := o.gateway.CreateManualTransfer(ctx, instructor.PayoutAccountID, booking.InstructorPayoutCents,
				fmt.Sprintf("Locked funds payout for booking %d", booking.ID),
				idempotency.New(booking.ID, idempotency.OpManualTransfer, 0))
			if gwErr != nil {
				return fmt.Errorf("locked funds payout failed for booking %d: %w", booking.ID, gwErr)
			}
			if err := tx.Model(transfer).Update("payout_transfer_id", t.ID).Error; err != nil {
				return fmt.Errorf("failed to record locked payout for booking %d: %w", booking.ID, err)
			}
			instructorPaid = booking.InstructorPayoutCents
		}
	}

	forfeited, err := o.credits.ForfeitCreditsForBooking(ctx, booking.ID, tx)
	if err != nil {
		return err
	}

	if err := tx.Model(payment).Updates(map[string]interface{}{
		"status":             model.PaymentStatusSettled,
		"captured_at":        o.clock.Now(),
		"settlement_outcome": model.OutcomeLessonCompleted,
	}).Error; err != nil {
		return fmt.Errorf("failed to settle locked payment for booking %d: %w", booking.ID, err)
	}

	amounts := model.SettlementAmounts{
		CapturedCents:         payment.CardChargeCents,
		CreditsForfeitedCents: forfeited,
		InstructorPaidCents:   instructorPaid,
	}
	o.writeAudit(tx, booking.ID, model.OutcomeLessonCompleted, model.CancelActorPlatform, "", trigger, amounts)

	*result = CaptureResult{Status: CaptureStatusCaptured, Outcome: model.OutcomeLessonCompleted}
	return nil
}

// ResolveLockForBooking settles a locked_funds booking out of band, e.g.
// when the rescheduled lesson the hold was protecting has completed. The
// non-winner of a concurrent race sees already_captured.
func (o *PaymentOrchestrator) ResolveLockForBooking(ctx context.Context, bookingID uint, trigger string) (CaptureResult, error) {
	var result CaptureResult
	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}
			if payment.Status == model.PaymentStatusSettled {
				result = CaptureResult{Status: CaptureStatusAlreadyCaptured, Outcome: payment.SettlementOutcome}
				return nil
			}
			if payment.Status != model.PaymentStatusLockedFunds {
				result = CaptureResult{Status: CaptureStatusSkipped}
				return nil
			}
			return o.resolveLockedPayment(ctx, tx, booking, payment, trigger, &result)
		})
	})
	return result, err
}

// CaptureCompletedLessons captures every confirmed booking whose lesson has
// ended, marking the booking completed on success.
func (o *PaymentOrchestrator) CaptureCompletedLessons(ctx context.Context) SweepSummary {
	var summary SweepSummary
	now := o.clock.Now()

	var ended []model.Booking
	err := o.db.WithContext(ctx).
		Joins("JOIN booking_payments ON booking_payments.booking_id = bookings.id").
		Where("bookings.status IN ?", []model.BookingStatus{model.BookingStatusConfirmed, model.BookingStatusNoShow}).
		Where("bookings.ends_at <= ?", now).
		Where("booking_payments.status IN ?", []model.PaymentStatus{model.PaymentStatusAuthorized, model.PaymentStatusLockedFunds}).
		Find(&ended).Error
	if err != nil {
		log.Printf("Failed to query completed lessons for capture: %v", err)
		return summary
	}

	for _, booking := range ended {
		summary.Processed++
		res, err := o.ProcessCaptureForBooking(ctx, booking.ID, "capture_sweep")
		if err != nil {
			log.Printf("Capture error for booking %d: %v", booking.ID, err)
			summary.Failed++
			continue
		}
		switch res.Status {
		case CaptureStatusCaptured, CaptureStatusAlreadyCaptured:
			summary.Success++
			if err := o.db.WithContext(ctx).Model(&model.Booking{}).
				Where("id = ? AND status = ?", booking.ID, model.BookingStatusConfirmed).
				Update("status", model.BookingStatusCompleted).Error; err != nil {
				log.Printf("Failed to mark booking %d completed: %v", booking.ID, err)
			}
		case CaptureStatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	return summary
}

// RetryFailedCaptures re-attempts failed captures and escalates any failure
// older than the 72-hour threshold: the instructor is paid from platform
// funds, the payment goes to manual_review and the student account is locked.
// Failures without a capture_failed_at stamp (transient API errors) retry
// here too; only gateway-classified failures carry the escalation clock.
func (o *PaymentOrchestrator) RetryFailedCaptures(ctx context.Context) SweepSummary {
	var summary SweepSummary
	now := o.clock.Now()

	var failed []model.BookingPayment
	err := o.db.WithContext(ctx).
		Where("status = ? AND capture_failure_count > 0", model.PaymentStatusMethodRequired).
		Find(&failed).Error
	if err != nil {
		log.Printf("Failed to query failed captures: %v", err)
		return summary
	}

	for _, payment := range failed {
		summary.Processed++

		if payment.CaptureFailedAt != nil && now.Sub(*payment.CaptureFailedAt) >= CaptureEscalationThreshold {
			if err := o.escalateCaptureFailure(ctx, payment.BookingID); err != nil {
				log.Printf("Escalation failed for booking %d: %v", payment.BookingID, err)
				summary.Failed++
			} else {
				summary.Escalated++
			}
			continue
		}

		res, err := o.ProcessCaptureForBooking(ctx, payment.BookingID, "capture_retry_sweep")
		if err != nil {
			log.Printf("Capture retry error for booking %d: %v", payment.BookingID, err)
			summary.Failed++
			continue
		}
		summary.Retried++
		switch res.Status {
		case CaptureStatusCaptured, CaptureStatusAlreadyCaptured:
			summary.Success++
		case CaptureStatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	return summary
}

// escalateCaptureFailure closes out a capture failure the retry ladder could
// not recover: the platform advances the instructor's payout from its own
// funds, the payment parks in manual_review for an operator and the student
// account is locked until the debt is handled.
func (o *PaymentOrchestrator) escalateCaptureFailure(ctx context.Context, bookingID uint) error {
	var studentID uint
	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}
			if payment.Status != model.PaymentStatusMethodRequired || payment.CaptureFailedAt == nil {
				return nil
			}

			transfer, err := o.transferForUpdate(tx, booking.ID)
			if err != nil {
				return err
			}

			instructorPaid := int64(0)
			if booking.InstructorPayoutCents > 0 && transfer.AdvancedPayoutTransferID == "" {
				var instructor model.User
				if err := tx.First(&instructor, booking.InstructorID).Error; err != nil {
					return fmt.Errorf("failed to load instructor for booking %d: %w", booking.ID, err)
				}
				if instructor.HasPayoutAccount() {
					t, gwErr := o.gateway.CreateManualTransfer(ctx, instructor.PayoutAccountID, booking.InstructorPayoutCents,
						fmt.Sprintf("Advanced payout for booking %d", booking.ID),
						idempotency.New(booking.ID, idempotency.OpAdvancedPayout, 0))
					if gwErr != nil {
						return fmt.Errorf("advanced payout failed for booking %d: %w", booking.ID, gwErr)
					}
					if err := tx.Model(transfer).Update("advanced_payout_transfer_id", t.ID).Error; err != nil {
						return fmt.Errorf("failed to record advanced payout for booking %d: %w", booking.ID, err)
					}
					instructorPaid = booking.InstructorPayoutCents
				}
			}

			now := o.clock.Now()
			if err := tx.Model(payment).Updates(map[string]interface{}{
				"status":               model.PaymentStatusManualReview,
				"capture_escalated_at": now,
				"settlement_outcome":   model.OutcomeCaptureFailureEscalated,
			}).Error; err != nil {
				return fmt.Errorf("failed to escalate payment for booking %d: %w", booking.ID, err)
			}

			if err := tx.Model(&model.User{}).Where("id = ?", booking.StudentID).Updates(map[string]interface{}{
				"account_locked":      true,
				"account_lock_reason": fmt.Sprintf("Unrecovered payment for booking %d", booking.ID),
			}).Error; err != nil {
				return fmt.Errorf("failed to lock student account for booking %d: %w", booking.ID, err)
			}
			studentID = booking.StudentID

			o.writeAudit(tx, booking.ID, model.OutcomeCaptureFailureEscalated, model.CancelActorPlatform, "capture_failed_72h", "capture_retry_sweep",
				model.SettlementAmounts{InstructorPaidCents: instructorPaid})
			return nil
		})
	})
	if err != nil {
		return err
	}

	if studentID != 0 {
		o.notifications.NotifyPaymentFailed(ctx, studentID, bookingID, "Payment could not be collected; account locked pending review")
	}
	return nil
}

// captureHeld captures the payment's outstanding card hold and stamps
// captured_at. A zero card charge or an existing stamp makes it a no-op, and
// an already-captured report from the gateway counts as success, so retries
// converge.
func (o *PaymentOrchestrator) captureHeld(ctx context.Context, tx *gorm.DB, booking *model.Booking, payment *model.BookingPayment) error {
	if payment.CardChargeCents == 0 || payment.CapturedAt != nil {
		return nil
	}
	_, gwErr := o.gateway.CapturePaymentIntent(ctx, payment.PaymentIntentID, payment.CardChargeCents,
		idempotency.New(booking.ID, idempotency.OpCapture, payment.CaptureFailureCount))
	if gwErr != nil && gateway.CodeOf(gwErr) != gateway.ErrAlreadyCaptured {
		return fmt.Errorf("capture failed for booking %d: %w", booking.ID, gwErr)
	}
	if err := tx.Model(payment).Update("captured_at", o.clock.Now()).Error; err != nil {
		return fmt.Errorf("failed to stamp capture for booking %d: %w", booking.ID, err)
	}
	return nil
}

// CaptureLateCancellation collects the card charge for a cancelled booking
// whose settlement kept the money on the platform but whose capture step is
// still outstanding. Safe to retry: an already-captured charge is a no-op.
func (o *PaymentOrchestrator) CaptureLateCancellation(ctx context.Context, bookingID uint) error {
	return o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}
			if payment.CapturedAt != nil {
				return nil
			}
			if booking.Status != model.BookingStatusCancelled || payment.Status != model.PaymentStatusSettled {
				return ErrNotCancellable
			}
			return o.captureHeld(ctx, tx, booking, payment)
		})
	})
}
