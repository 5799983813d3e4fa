package services

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lessonloop/lessonloop-api/model"
)

// DisputeResult reports how a chargeback resolution landed on the ledger
type DisputeResult struct {
	Outcome             string `json:"outcome"`
	CreditsRevokedCents int64  `json:"credits_revoked_cents,omitempty"`
	DebtRecordedCents   int64  `json:"debt_recorded_cents,omitempty"`
	DebtClearedCents    int64  `json:"debt_cleared_cents,omitempty"`
	AccountRestricted   bool   `json:"account_restricted"`
	AlreadyDone         bool   `json:"already_done,omitempty"`
}

// HandleDisputeLost reacts to a chargeback the platform lost on a booking
// settlement. Every credit the booking ever produced is clawed back: unspent
// credits flip to revoked, spent ones become debt on the student's account,
// and the account is restricted until the debt clears.
func (o *PaymentOrchestrator) HandleDisputeLost(ctx context.Context, bookingID uint) (DisputeResult, error) {
	var result DisputeResult
	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}
			if payment.SettlementOutcome == model.OutcomeDisputeLost {
				result = DisputeResult{Outcome: model.OutcomeDisputeLost, AlreadyDone: true}
				return nil
			}

			var issued []model.PlatformCredit
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("source_booking_id = ?", bookingID).
				Find(&issued).Error; err != nil {
				return fmt.Errorf("failed to load credits for disputed booking %d: %w", bookingID, err)
			}

			var revoked, debt int64
			for i := range issued {
				credit := &issued[i]
				switch credit.Status {
				case model.CreditStatusAvailable, model.CreditStatusReserved:
					if err := tx.Model(credit).Updates(map[string]interface{}{
						"status":                  model.CreditStatusRevoked,
						"reserved_amount_cents":   0,
						"reserved_for_booking_id": nil,
						"reserved_at":             nil,
					}).Error; err != nil {
						return fmt.Errorf("failed to revoke credit %d: %w", credit.ID, err)
					}
					revoked += credit.AmountCents
				case model.CreditStatusForfeited, model.CreditStatusExpired:
					// Already spent or gone; the value is owed back instead.
					debt += credit.AmountCents
				}
			}

			var student model.User
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&student, booking.StudentID).Error; err != nil {
				return fmt.Errorf("failed to load student for disputed booking %d: %w", bookingID, err)
			}
			userUpdates := map[string]interface{}{
				"account_restricted":      true,
				"account_restrict_reason": fmt.Sprintf("Lost dispute on booking %d", bookingID),
			}
			if debt > 0 {
				userUpdates["credit_debt_cents"] = student.CreditDebtCents + debt
			}
			if err := tx.Model(&student).Updates(userUpdates).Error; err != nil {
				return fmt.Errorf("failed to restrict account for disputed booking %d: %w", bookingID, err)
			}

			if err := tx.Model(payment).Updates(map[string]interface{}{
				"status":             model.PaymentStatusManualReview,
				"settlement_outcome": model.OutcomeDisputeLost,
			}).Error; err != nil {
				return fmt.Errorf("failed to mark dispute lost for booking %d: %w", bookingID, err)
			}

			o.writeAudit(tx, bookingID, model.OutcomeDisputeLost, model.CancelActorPlatform, "chargeback_lost", "webhook",
				model.SettlementAmounts{CreditsForfeitedCents: revoked})

			result = DisputeResult{
				Outcome:             model.OutcomeDisputeLost,
				CreditsRevokedCents: revoked,
				DebtRecordedCents:   debt,
				AccountRestricted:   true,
			}
			return nil
		})
	})
	if err != nil {
		return DisputeResult{}, err
	}
	if !result.AlreadyDone {
		log.Printf("Dispute lost on booking %d: revoked %d cents, recorded %d cents debt", bookingID, result.CreditsRevokedCents, result.DebtRecordedCents)
	}
	return result, nil
}

// HandleDisputeWon reverses a prior lost-dispute claw-back after the platform
// prevails on review: revoked credits return to available, recorded debt is
// forgiven and the restriction lifts once the account owes nothing.
func (o *PaymentOrchestrator) HandleDisputeWon(ctx context.Context, bookingID uint) (DisputeResult, error) {
	var result DisputeResult
	err := o.locker.WithLock(ctx, bookingID, func(ctx context.Context) error {
		return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			booking, payment, err := o.loadForUpdate(tx, bookingID)
			if err != nil {
				return err
			}
			if payment.SettlementOutcome == model.OutcomeDisputeWon {
				result = DisputeResult{Outcome: model.OutcomeDisputeWon, AlreadyDone: true}
				return nil
			}
			if payment.SettlementOutcome != model.OutcomeDisputeLost {
				// Nothing was clawed back; record the win and stop.
				if err := tx.Model(payment).Update("settlement_outcome", model.OutcomeDisputeWon).Error; err != nil {
					return fmt.Errorf("failed to mark dispute won for booking %d: %w", bookingID, err)
				}
				result = DisputeResult{Outcome: model.OutcomeDisputeWon}
				return nil
			}

			var clawed []model.PlatformCredit
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("source_booking_id = ?", bookingID).
				Find(&clawed).Error; err != nil {
				return fmt.Errorf("failed to load credits for disputed booking %d: %w", bookingID, err)
			}

			var restored, forgiven int64
			for i := range clawed {
				credit := &clawed[i]
				switch credit.Status {
				case model.CreditStatusRevoked:
					if err := tx.Model(credit).Update("status", model.CreditStatusAvailable).Error; err != nil {
						return fmt.Errorf("failed to restore credit %d: %w", credit.ID, err)
					}
					restored += credit.AmountCents
				case model.CreditStatusForfeited, model.CreditStatusExpired:
					forgiven += credit.AmountCents
				}
			}

			var student model.User
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&student, booking.StudentID).Error; err != nil {
				return fmt.Errorf("failed to load student for disputed booking %d: %w", bookingID, err)
			}
			newDebt := student.CreditDebtCents - forgiven
			if newDebt < 0 {
				newDebt = 0
			}
			userUpdates := map[string]interface{}{"credit_debt_cents": newDebt}
			if newDebt == 0 {
				userUpdates["account_restricted"] = false
				userUpdates["account_restrict_reason"] = ""
			}
			if err := tx.Model(&student).Updates(userUpdates).Error; err != nil {
				return fmt.Errorf("failed to update student account for disputed booking %d: %w", bookingID, err)
			}

			if err := tx.Model(payment).Updates(map[string]interface{}{
				"status":             model.PaymentStatusSettled,
				"settlement_outcome": model.OutcomeDisputeWon,
			}).Error; err != nil {
				return fmt.Errorf("failed to mark dispute won for booking %d: %w", bookingID, err)
			}

			o.writeAudit(tx, bookingID, model.OutcomeDisputeWon, model.CancelActorPlatform, "chargeback_won", "webhook",
				model.SettlementAmounts{CreditIssuedCents: restored})

			result = DisputeResult{
				Outcome:             model.OutcomeDisputeWon,
				CreditsRevokedCents: restored,
				DebtClearedCents:    forgiven,
				AccountRestricted:   newDebt > 0,
			}
			return nil
		})
	})
	if err != nil {
		return DisputeResult{}, err
	}
	return result, nil
}
