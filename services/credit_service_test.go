package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonloop/lessonloop-api/model"
)

func TestGetCardChargeAmount(t *testing.T) {
	// No credits: full price plus fee
	assert.Equal(t, int64(6500), GetCardChargeAmount(6000, 500, 0))

	// Partial credits offset the price
	assert.Equal(t, int64(4500), GetCardChargeAmount(6000, 500, 2000))

	// Credits cover the price: the fee still goes on the card
	assert.Equal(t, int64(500), GetCardChargeAmount(6000, 500, 6000))

	// Credits can never eat into the fee
	assert.Equal(t, int64(500), GetCardChargeAmount(6000, 500, 9000))

	// No fee configured
	assert.Equal(t, int64(0), GetCardChargeAmount(6000, 0, 6000))
}

func TestReserveCreditsFIFO(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	// Three credits: one expiring soon, one later, one never.
	soon := time.Now().UTC().Add(24 * time.Hour)
	later := time.Now().UTC().Add(30 * 24 * time.Hour)
	mkCredit := func(amount int64, exp *time.Time) *model.PlatformCredit {
		c := &model.PlatformCredit{
			UserID:      student.ID,
			AmountCents: amount,
			Status:      model.CreditStatusAvailable,
			ExpiresAt:   exp,
			SourceType:  model.CreditSourceAdminGrant,
		}
		require.NoError(t, env.db.Create(c).Error)
		return c
	}
	never := mkCredit(3000, nil)
	first := mkCredit(3000, &soon)
	second := mkCredit(3000, &later)

	// Reserve 5000: the soon-expiring credit is consumed whole, the later one
	// split 2000/1000, the never-expiring one untouched.
	reserved, err := env.credits.ReserveCredits(ctx, student.ID, booking.ID, 5000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), reserved)

	var c model.PlatformCredit
	require.NoError(t, env.db.First(&c, first.ID).Error)
	assert.Equal(t, model.CreditStatusReserved, c.Status)
	assert.Equal(t, int64(3000), c.ReservedAmountCents)

	require.NoError(t, env.db.First(&c, second.ID).Error)
	assert.Equal(t, model.CreditStatusReserved, c.Status)
	assert.Equal(t, int64(2000), c.AmountCents, "split credit shrinks to the consumed portion")
	assert.Equal(t, int64(2000), c.ReservedAmountCents)

	// The split remainder carries the parent's expiration
	var remainder model.PlatformCredit
	require.NoError(t, env.db.Where("parent_credit_id = ?", second.ID).First(&remainder).Error)
	assert.Equal(t, model.CreditStatusAvailable, remainder.Status)
	assert.Equal(t, int64(1000), remainder.AmountCents)
	require.NotNil(t, remainder.ExpiresAt)
	assert.WithinDuration(t, later, *remainder.ExpiresAt, time.Second)

	require.NoError(t, env.db.First(&c, never.ID).Error)
	assert.Equal(t, model.CreditStatusAvailable, c.Status, "never-expiring credit is consumed last")
}

func TestReserveCreditsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	_, err := env.credits.IssueCredit(ctx, student.ID, 4000, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)

	reserved, err := env.credits.ReserveCredits(ctx, student.ID, booking.ID, 2500, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), reserved)

	// A repeat call for the same booking returns the existing total without
	// reserving more.
	again, err := env.credits.ReserveCredits(ctx, student.ID, booking.ID, 2500, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), again)

	balance, err := env.credits.AvailableBalance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)
}

func TestReserveCreditsConcurrentCallers(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	first := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)
	second := env.createBooking(t, student, instructor, 72*time.Hour, model.PaymentStatusScheduled)

	_, err := env.credits.IssueCredit(ctx, student.ID, 5000, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)

	reservedFor := func(t *testing.T, bookingID uint) int64 {
		t.Helper()
		var sum int64
		require.NoError(t, env.db.Model(&model.PlatformCredit{}).
			Where("reserved_for_booking_id = ? AND status = ?", bookingID, model.CreditStatusReserved).
			Select("COALESCE(SUM(reserved_amount_cents), 0)").
			Scan(&sum).Error)
		return sum
	}

	// Two racing calls for the same booking: exactly one tranche may exist,
	// whichever caller loses the row locks returns the winner's total.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.credits.ReserveCredits(ctx, student.ID, first.ID, 3000, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(3000), reservedFor(t, first.ID))

	// A second booking racing for the same balance can only take what is
	// left.
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.credits.ReserveCredits(ctx, student.ID, second.ID, 3000, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2000), reservedFor(t, second.ID))

	// No double spend: the ledger never reserves more than was issued.
	var totalReserved int64
	require.NoError(t, env.db.Model(&model.PlatformCredit{}).
		Where("user_id = ? AND status = ?", student.ID, model.CreditStatusReserved).
		Select("COALESCE(SUM(reserved_amount_cents), 0)").
		Scan(&totalReserved).Error)
	assert.LessOrEqual(t, totalReserved, int64(5000))
}

func TestReserveCreditsInsufficientFunds(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	_, err := env.credits.IssueCredit(ctx, student.ID, 1000, model.CreditSourceSignup, nil)
	require.NoError(t, err)

	// Partial coverage is not an error: whatever could be reserved comes back.
	reserved, err := env.credits.ReserveCredits(ctx, student.ID, booking.ID, 6000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), reserved)
}

func TestReleaseAndForfeit(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	b1 := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)
	b2 := env.createBooking(t, student, instructor, 96*time.Hour, model.PaymentStatusScheduled)

	_, err := env.credits.IssueCredit(ctx, student.ID, 2000, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)
	_, err = env.credits.IssueCredit(ctx, student.ID, 2000, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)

	_, err = env.credits.ReserveCredits(ctx, student.ID, b1.ID, 2000, nil)
	require.NoError(t, err)
	_, err = env.credits.ReserveCredits(ctx, student.ID, b2.ID, 2000, nil)
	require.NoError(t, err)

	// Release b1: its credits come back spendable.
	released, err := env.credits.ReleaseCreditsForBooking(ctx, b1.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), released)

	balance, err := env.credits.AvailableBalance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance)

	// Forfeit b2: its credits are consumed and stamped with the spend target.
	forfeited, err := env.credits.ForfeitCreditsForBooking(ctx, b2.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), forfeited)

	var spent model.PlatformCredit
	require.NoError(t, env.db.Where("used_booking_id = ?", b2.ID).First(&spent).Error)
	assert.Equal(t, model.CreditStatusForfeited, spent.Status)
}

func TestExpireOldCredits(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	past := time.Now().UTC().Add(-time.Hour)
	expired := &model.PlatformCredit{
		UserID: student.ID, AmountCents: 1000,
		Status: model.CreditStatusAvailable, ExpiresAt: &past,
		SourceType: model.CreditSourceSignup,
	}
	require.NoError(t, env.db.Create(expired).Error)

	// A reserved credit past its timestamp must survive the sweep.
	reserved := &model.PlatformCredit{
		UserID: student.ID, AmountCents: 1000,
		Status: model.CreditStatusReserved, ExpiresAt: &past,
		ReservedAmountCents: 1000, ReservedForBookingID: &booking.ID,
		SourceType: model.CreditSourceSignup,
	}
	require.NoError(t, env.db.Create(reserved).Error)

	n, err := env.credits.ExpireOldCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var c model.PlatformCredit
	require.NoError(t, env.db.First(&c, expired.ID).Error)
	assert.Equal(t, model.CreditStatusExpired, c.Status)

	require.NoError(t, env.db.First(&c, reserved.ID).Error)
	assert.Equal(t, model.CreditStatusReserved, c.Status, "reserved credits only leave via release or forfeit")
}

func TestRevokeCredit(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	granted, err := env.credits.IssueCredit(ctx, student.ID, 2000, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)

	revoked, err := env.credits.RevokeCredit(ctx, granted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CreditStatusRevoked, revoked.Status)

	balance, err := env.credits.AvailableBalance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// Reserved credits refuse direct revocation.
	held, err := env.credits.IssueCredit(ctx, student.ID, 1500, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)
	_, err = env.credits.ReserveCredits(ctx, student.ID, booking.ID, 1500, nil)
	require.NoError(t, err)

	_, err = env.credits.RevokeCredit(ctx, held.ID)
	require.ErrorIs(t, err, ErrCreditNotRevocable)
}
