package services

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services/gateway"
	"github.com/lessonloop/lessonloop-api/services/policy"
	"github.com/lessonloop/lessonloop-api/utils/idempotency"
)

// CancellationResult reports how a cancellation settled
type CancellationResult struct {
	Outcome             string `json:"outcome"`
	RefundMethod        string `json:"refund_method"`
	RefundedCents       int64  `json:"refunded_cents,omitempty"`
	CreditIssuedCents   int64  `json:"credit_issued_cents,omitempty"`
	InstructorPaidCents int64  `json:"instructor_paid_cents,omitempty"`
	AlreadyDone         bool   `json:"already_done,omitempty"`
}

// CancelBooking cancels a booking and settles its payment per the refund
// policy. The decision itself is pure (services/policy); this method executes
// it: gateway calls run before any ledger write so a gateway failure rolls
// the whole settlement back, and idempotency keys plus append-once transfer
// fields make a retried cancellation converge instead of double-moving money.
func (o *PaymentOrchestrator) CancelBooking(ctx context.Context, bookingID uint, actor, reason string) (CancellationResult, error) {
	var result CancellationResult
	var notifyStudentID uint

	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}

			if booking.Status == model.BookingStatusCancelled {
				result = CancellationResult{Outcome: payment.SettlementOutcome, AlreadyDone: true}
				return nil
			}
			if !booking.IsCancellable() {
				return ErrNotCancellable
			}

			var instructor model.User
			if err := tx.First(&instructor, booking.InstructorID).Error; err != nil {
				return fmt.Errorf("failed to load instructor for booking %d: %w", booking.ID, err)
			}

			dec := policy.Decide(policy.Input{
				HoursUntilStart:       o.clock.HoursUntil(booking.StartsAt),
				Actor:                 actor,
				Reason:                reason,
				PriceCents:            booking.PriceCents,
				CardAuthorizedCents:   payment.CardChargeCents,
				CreditsReservedCents:  payment.CreditsReservedCents,
				InstructorPayoutCents: booking.InstructorPayoutCents,
				Locked:                payment.Status == model.PaymentStatusLockedFunds,
				HasPayoutAccount:      instructor.HasPayoutAccount(),
				LateRescheduleUsed:    booking.LateRescheduleUsed,
			})

			amounts, err := o.executeDecision(ctx, tx, booking, payment, dec)
			if err != nil {
				return err
			}

			now := o.clock.Now()
			if err := tx.Model(booking).Updates(map[string]interface{}{
				"status":        model.BookingStatusCancelled,
				"cancelled_at":  now,
				"cancelled_by":  actor,
				"cancel_reason": reason,
			}).Error; err != nil {
				return fmt.Errorf("failed to cancel booking %d: %w", booking.ID, err)
			}

			finalStatus := model.PaymentStatusCancelled
			if payment.CapturedAt != nil || amounts.CapturedCents > 0 || amounts.CreditIssuedCents > 0 || amounts.InstructorPaidCents > 0 {
				finalStatus = model.PaymentStatusSettled
			}
			if err := tx.Model(payment).Updates(map[string]interface{}{
				"status":             finalStatus,
				"settlement_outcome": dec.Outcome,
			}).Error; err != nil {
				return fmt.Errorf("failed to settle payment for booking %d: %w", booking.ID, err)
			}

			o.writeAudit(tx, booking.ID, dec.Outcome, actor, reason, "api", amounts)
			o.receipts.ArchiveSettlement(ctx, booking.ID, finalStatus, dec.Outcome, amounts)

			notifyStudentID = booking.StudentID
			result = CancellationResult{
				Outcome:             dec.Outcome,
				RefundMethod:        string(dec.RefundMethod),
				RefundedCents:       amounts.RefundedCents,
				CreditIssuedCents:   amounts.CreditIssuedCents,
				InstructorPaidCents: amounts.InstructorPaidCents,
			}
			return nil
		})
	})
	if err != nil {
		return CancellationResult{}, err
	}

	if notifyStudentID != 0 {
		o.notifications.NotifyBookingCancelled(ctx, notifyStudentID, bookingID, result.Outcome, result.CreditIssuedCents)
	}
	return result, nil
}

// executeDecision moves the money a policy decision calls for. Order matters:
// gateway operations first so their failure aborts before any ledger write.
func (o *PaymentOrchestrator) executeDecision(ctx context.Context, tx *gorm.DB, booking *model.Booking, payment *model.BookingPayment, dec policy.Decision) (model.SettlementAmounts, error) {
	var amounts model.SettlementAmounts
	locked := payment.Status == model.PaymentStatusLockedFunds

	transfer, err := o.transferForUpdate(tx, booking.ID)
	if err != nil {
		return amounts, err
	}

	// Capture the hold when the policy keeps the money on the platform. A
	// locked payment carries its hold over from the parent booking; it is
	// captured here the same way.
	if dec.CaptureFirst {
		if err := o.captureHeld(ctx, tx, booking, payment); err != nil {
			return amounts, err
		}
		amounts.CapturedCents = payment.CardChargeCents
	}

	// Card refund path: refund a captured charge, or just drop an uncaptured
	// hold.
	if dec.RefundMethod == policy.RefundCard && payment.PaymentIntentID != "" {
		if payment.CapturedAt != nil {
			if transfer.RefundID == "" && payment.CardChargeCents > 0 {
				refund, gwErr := o.gateway.RefundPayment(ctx, payment.PaymentIntentID, payment.CardChargeCents,
					idempotency.New(booking.ID, idempotency.OpRefund, 0))
				if gwErr != nil {
					return amounts, fmt.Errorf("refund failed for booking %d: %w", booking.ID, gwErr)
				}
				if err := tx.Model(transfer).Update("refund_id", refund.ID).Error; err != nil {
					return amounts, fmt.Errorf("failed to record refund for booking %d: %w", booking.ID, err)
				}
				amounts.RefundedCents = payment.CardChargeCents
			}
			// A captured charge may already have paid the instructor; claw it
			// back so the refund is funded.
			if transfer.StripeTransferID != "" && transfer.TransferReversalID == "" {
				rev, gwErr := o.gateway.ReverseTransfer(ctx, transfer.StripeTransferID,
					idempotency.New(booking.ID, idempotency.OpReversal, 0))
				if gwErr != nil {
					return amounts, fmt.Errorf("transfer reversal failed for booking %d: %w", booking.ID, gwErr)
				}
				if err := tx.Model(transfer).Update("transfer_reversal_id", rev.ID).Error; err != nil {
					return amounts, fmt.Errorf("failed to record reversal for booking %d: %w", booking.ID, err)
				}
			}
		} else if payment.Status == model.PaymentStatusAuthorized || locked {
			err := o.gateway.CancelPaymentIntent(ctx, payment.PaymentIntentID,
				idempotency.New(booking.ID, idempotency.OpCancelIntent, 0))
			if err != nil && gateway.CodeOf(err) != gateway.ErrInvalidRequest {
				return amounts, fmt.Errorf("failed to release hold for booking %d: %w", booking.ID, err)
			}
			amounts.RefundedCents = payment.CardChargeCents
		}
	}

	// Instructor payout for penalty-window cancellations, moved manually and at
	// most once.
	if dec.InstructorPayoutDeltaCents > 0 && dec.RequiresManualTransfer && transfer.PayoutTransferID == "" {
		var instructor model.User
		if err := tx.First(&instructor, booking.InstructorID).Error; err != nil {
			return amounts, fmt.Errorf("failed to load instructor for booking %d: %w", booking.ID, err)
		}
		if instructor.HasPayoutAccount() {
			t, gwErr := o.gateway.CreateManualTransfer(ctx, instructor.PayoutAccountID, dec.InstructorPayoutDeltaCents,
				fmt.Sprintf("Late cancellation payout for booking %d", booking.ID),
				idempotency.New(booking.ID, idempotency.OpManualTransfer, 0))
			if gwErr != nil {
				return amounts, fmt.Errorf("cancellation payout failed for booking %d: %w", booking.ID, gwErr)
			}
			if err := tx.Model(transfer).Update("payout_transfer_id", t.ID).Error; err != nil {
				return amounts, fmt.Errorf("failed to record cancellation payout for booking %d: %w", booking.ID, err)
			}
			amounts.InstructorPaidCents = dec.InstructorPayoutDeltaCents
		} else {
			log.Printf("Instructor %d has no payout account, booking %d cancellation payout deferred", booking.InstructorID, booking.ID)
		}
	}

	// Ledger writes come after the gateway succeeded.
	if dec.ReleaseCredits {
		released, err := o.credits.ReleaseCreditsForBooking(ctx, booking.ID, tx)
		if err != nil {
			return amounts, err
		}
		amounts.CreditsReleasedCents = released
	}
	if dec.ForfeitCredits {
		forfeited, err := o.credits.ForfeitCreditsForBooking(ctx, booking.ID, tx)
		if err != nil {
			return amounts, err
		}
		amounts.CreditsForfeitedCents = forfeited
	}

	if dec.RefundMethod == policy.RefundCredit && dec.RefundOrCreditAmountCents > 0 {
		bookingID := booking.ID
		if _, err := o.credits.issueCredit(tx, booking.StudentID, dec.RefundOrCreditAmountCents,
			model.CreditSourceCancellation, &bookingID, nil); err != nil {
			return amounts, err
		}
		amounts.CreditIssuedCents = dec.RefundOrCreditAmountCents
	}

	return amounts, nil
}
