package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lessonloop/lessonloop-api/model"
)

// CreditExpiryDays is the default lifetime of an issued credit
const CreditExpiryDays = 365

// CreditService is the stored-value ledger engine: it issues, reserves,
// releases, forfeits and expires platform credits. All read-modify-write paths
// lock the credit rows for the full critical section; concurrent reservations
// for the same user serialize on those row locks.
type CreditService struct {
	db *gorm.DB
}

// NewCreditService creates a new credit service
func NewCreditService(db *gorm.DB) *CreditService {
	return &CreditService{db: db}
}

// IssueCredit creates a new available credit for a user, expiring 365 days
// from issuance. sourceBookingID records provenance for dispute tracing.
func (s *CreditService) IssueCredit(ctx context.Context, userID uint, amountCents int64, sourceType model.CreditSourceType, sourceBookingID *uint) (*model.PlatformCredit, error) {
	return s.issueCredit(s.db.WithContext(ctx), userID, amountCents, sourceType, sourceBookingID, nil)
}

func (s *CreditService) issueCredit(tx *gorm.DB, userID uint, amountCents int64, sourceType model.CreditSourceType, sourceBookingID *uint, expiresAt *time.Time) (*model.PlatformCredit, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amountCents)
	}
	if expiresAt == nil {
		exp := time.Now().UTC().AddDate(0, 0, CreditExpiryDays)
		expiresAt = &exp
	}

	credit := &model.PlatformCredit{
		UserID:          userID,
		AmountCents:     amountCents,
		Status:          model.CreditStatusAvailable,
		ExpiresAt:       expiresAt,
		SourceType:      sourceType,
		SourceBookingID: sourceBookingID,
	}
	if err := tx.Create(credit).Error; err != nil {
		return nil, fmt.Errorf("failed to issue credit: %w", err)
	}

	log.Printf("Issued credit %d of %d cents to user %d (%s)", credit.ID, amountCents, userID, sourceType)
	return credit, nil
}

// ReserveCredits reserves up to maxAmountCents of the user's available credits
// for a booking, consuming them FIFO by expiration (nulls last), ties broken
// by age. A credit only partially needed is split: the consumed portion
// becomes reserved and a new available remainder row keeps the original
// expiration and provenance.
//
// The call is idempotent per (userID, bookingID): a repeat while a reservation
// already exists returns the existing reserved total without touching rows.
// Insufficient funds is not an error; whatever could be reserved is returned.
//
// When tx is non-nil the reservation joins the caller's transaction so its row
// locks hold until the caller commits or rolls back.
func (s *CreditService) ReserveCredits(ctx context.Context, userID, bookingID uint, maxAmountCents int64, tx *gorm.DB) (int64, error) {
	if tx != nil {
		return s.reserveCredits(tx, userID, bookingID, maxAmountCents)
	}

	var reserved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reserved, err = s.reserveCredits(tx, userID, bookingID, maxAmountCents)
		return err
	})
	return reserved, err
}

func (s *CreditService) reserveCredits(tx *gorm.DB, userID, bookingID uint, maxAmountCents int64) (int64, error) {
	if maxAmountCents <= 0 {
		return 0, nil
	}

	// Idempotence on booking id: an existing reservation wins over call count.
	var existing int64
	err := tx.Model(&model.PlatformCredit{}).
		Where("reserved_for_booking_id = ? AND status = ?", bookingID, model.CreditStatusReserved).
		Select("COALESCE(SUM(reserved_amount_cents), 0)").
		Scan(&existing).Error
	if err != nil {
		return 0, fmt.Errorf("failed to check existing reservation: %w", err)
	}
	if existing > 0 {
		return existing, nil
	}

	now := time.Now().UTC()

	// Lock the user's spendable credits for the full reserve-or-fail decision.
	// The ordering is the FIFO-by-expiration contract: earliest-expiring
	// first, never-expiring last, ties broken by creation time.
	var credits []model.PlatformCredit
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ?", userID, model.CreditStatusAvailable).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("expires_at ASC NULLS LAST, created_at ASC").
		Find(&credits).Error
	if err != nil {
		return 0, fmt.Errorf("failed to lock credits for user %d: %w", userID, err)
	}

	// The pre-check above ran unlocked. Waiting on the row locks may have
	// let a concurrent caller commit a reservation for this booking, so
	// re-check now that the locks are held: the loser of that race must
	// return the winner's total, not reserve a second tranche.
	err = tx.Model(&model.PlatformCredit{}).
		Where("reserved_for_booking_id = ? AND status = ?", bookingID, model.CreditStatusReserved).
		Select("COALESCE(SUM(reserved_amount_cents), 0)").
		Scan(&existing).Error
	if err != nil {
		return 0, fmt.Errorf("failed to re-check existing reservation: %w", err)
	}
	if existing > 0 {
		return existing, nil
	}

	var reservedTotal int64
	remaining := maxAmountCents

	for i := range credits {
		if remaining <= 0 {
			break
		}
		credit := &credits[i]

		take := credit.AmountCents
		if take > remaining {
			take = remaining
		}

		if take < credit.AmountCents {
			// Split: the remainder stays available with the parent's
			// expiration and provenance.
			remainder := model.PlatformCredit{
				UserID:          credit.UserID,
				AmountCents:     credit.AmountCents - take,
				Status:          model.CreditStatusAvailable,
				ExpiresAt:       credit.ExpiresAt,
				SourceType:      credit.SourceType,
				SourceBookingID: credit.SourceBookingID,
				ParentCreditID:  &credit.ID,
				Description:     fmt.Sprintf("Remainder of %d", credit.ID),
			}
			if err := tx.Create(&remainder).Error; err != nil {
				return 0, fmt.Errorf("failed to create remainder credit: %w", err)
			}
		}

		reservedAt := now
		updates := map[string]interface{}{
			"amount_cents":            take,
			"status":                  model.CreditStatusReserved,
			"reserved_amount_cents":   take,
			"reserved_for_booking_id": bookingID,
			"reserved_at":             reservedAt,
		}
		if err := tx.Model(credit).Updates(updates).Error; err != nil {
			return 0, fmt.Errorf("failed to reserve credit %d: %w", credit.ID, err)
		}

		reservedTotal += take
		remaining -= take
	}

	if reservedTotal > 0 {
		log.Printf("Reserved %d cents of credits for booking %d (user %d)", reservedTotal, bookingID, userID)
	}
	return reservedTotal, nil
}

// ReleaseCreditsForBooking returns a booking's reserved credits to available,
// preserving their original expiration. Used on pre-lesson cancellation.
func (s *CreditService) ReleaseCreditsForBooking(ctx context.Context, bookingID uint, tx *gorm.DB) (int64, error) {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}

	var credits []model.PlatformCredit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reserved_for_booking_id = ? AND status = ?", bookingID, model.CreditStatusReserved).
		Find(&credits).Error
	if err != nil {
		return 0, fmt.Errorf("failed to lock reserved credits for booking %d: %w", bookingID, err)
	}

	var released int64
	for i := range credits {
		released += credits[i].ReservedAmountCents
		err := tx.Model(&credits[i]).Updates(map[string]interface{}{
			"status":                  model.CreditStatusAvailable,
			"reserved_amount_cents":   0,
			"reserved_for_booking_id": nil,
			"reserved_at":             nil,
		}).Error
		if err != nil {
			return 0, fmt.Errorf("failed to release credit %d: %w", credits[i].ID, err)
		}
	}

	if released > 0 {
		log.Printf("Released %d cents of credits for booking %d", released, bookingID)
	}
	return released, nil
}

// ForfeitCreditsForBooking transitions a booking's reserved credits to
// forfeited, stamping the spend target. Irreversible; used when the
// credit-funded portion of a lesson is actually consumed.
func (s *CreditService) ForfeitCreditsForBooking(ctx context.Context, bookingID uint, tx *gorm.DB) (int64, error) {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}

	var credits []model.PlatformCredit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reserved_for_booking_id = ? AND status = ?", bookingID, model.CreditStatusReserved).
		Find(&credits).Error
	if err != nil {
		return 0, fmt.Errorf("failed to lock reserved credits for booking %d: %w", bookingID, err)
	}

	var forfeited int64
	for i := range credits {
		forfeited += credits[i].ReservedAmountCents
		err := tx.Model(&credits[i]).Updates(map[string]interface{}{
			"status":          model.CreditStatusForfeited,
			"used_booking_id": bookingID,
		}).Error
		if err != nil {
			return 0, fmt.Errorf("failed to forfeit credit %d: %w", credits[i].ID, err)
		}
	}

	if forfeited > 0 {
		log.Printf("Forfeited %d cents of credits for booking %d", forfeited, bookingID)
	}
	return forfeited, nil
}

// ErrCreditNotRevocable is returned when a revoke targets a credit that is
// not currently available.
var ErrCreditNotRevocable = fmt.Errorf("credit is not available and cannot be revoked")

// RevokeCredit transitions a single available credit to revoked. Reserved
// credits cannot be revoked directly; cancel or resolve the booking holding
// the reservation first.
func (s *CreditService) RevokeCredit(ctx context.Context, creditID uint) (*model.PlatformCredit, error) {
	var credit model.PlatformCredit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&credit, creditID).Error; err != nil {
			return err
		}
		if credit.Status != model.CreditStatusAvailable {
			return ErrCreditNotRevocable
		}
		credit.Status = model.CreditStatusRevoked
		return tx.Model(&credit).Update("status", model.CreditStatusRevoked).Error
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Revoked credit %d (%d cents, user %d)", credit.ID, credit.AmountCents, credit.UserID)
	return &credit, nil
}

// ExpireOldCredits sweeps available credits past their expiration into
// expired. Reserved credits are untouched regardless of their timestamp; they
// only leave reserved via release or forfeit.
func (s *CreditService) ExpireOldCredits(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.PlatformCredit{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", model.CreditStatusAvailable, time.Now().UTC()).
		Update("status", model.CreditStatusExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire credits: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("Expired %d credits", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// AvailableBalance sums the user's spendable credits
func (s *CreditService) AvailableBalance(ctx context.Context, userID uint) (int64, error) {
	var balance int64
	err := s.db.WithContext(ctx).Model(&model.PlatformCredit{}).
		Where("user_id = ? AND status = ?", userID, model.CreditStatusAvailable).
		Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC()).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance for user %d: %w", userID, err)
	}
	return balance, nil
}

// ListCredits returns a user's credit rows, newest first
func (s *CreditService) ListCredits(ctx context.Context, userID uint, limit, offset int) ([]model.PlatformCredit, int64, error) {
	var credits []model.PlatformCredit
	var total int64

	q := s.db.WithContext(ctx).Model(&model.PlatformCredit{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&credits).Error
	return credits, total, err
}

// GetCardChargeAmount computes the card portion of a lesson charge. Credits
// may only offset the lesson price, never the platform fee, so the charge
// never drops below the fee.
func GetCardChargeAmount(lessonPriceCents, studentFeeCents, reservedCreditsCents int64) int64 {
	charge := lessonPriceCents + studentFeeCents - reservedCreditsCents
	if charge < studentFeeCents {
		return studentFeeCents
	}
	return charge
}
