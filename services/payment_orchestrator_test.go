package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services/gateway"
)

func TestAuthorizeBookingSuccess(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	res, err := env.orch.AuthorizeBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusAuthorized, res.Status)

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, model.PaymentStatusAuthorized, payment.Status)
	assert.NotEmpty(t, payment.PaymentIntentID)
	assert.Equal(t, int64(6500), payment.CardChargeCents, "price plus fee with no credits")
	assert.NotNil(t, payment.AuthorizedAt)

	assert.Equal(t, model.BookingStatusConfirmed, env.reloadBooking(t, booking.ID).Status)

	calls := env.gateway.callsFor("create_intent")
	require.Len(t, calls, 1)
	assert.Equal(t, int64(6500), calls[0].AmountCents)
}

func TestAuthorizeBookingWithCredits(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	_, err := env.credits.IssueCredit(ctx, student.ID, 2000, model.CreditSourceSignup, nil)
	require.NoError(t, err)

	res, err := env.orch.AuthorizeBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusAuthorized, res.Status)

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, int64(2000), payment.CreditsReservedCents)
	assert.Equal(t, int64(4500), payment.CardChargeCents, "credits offset the price, fee stays")
}

func TestAuthorizeBookingFullyCreditFunded(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	// Zero out the fee so credits can cover everything
	require.NoError(t, env.db.Model(booking).Update("student_fee_cents", 0).Error)

	_, err := env.credits.IssueCredit(ctx, student.ID, 6000, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)

	res, err := env.orch.AuthorizeBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusAuthorized, res.Status)

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, int64(0), payment.CardChargeCents)
	assert.Empty(t, payment.PaymentIntentID, "no gateway call when credits cover the price")
	assert.Empty(t, env.gateway.callsFor("create_intent"))
}

func TestAuthorizeBookingCreditsNeverWaiveFee(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	// Credits cover the full price, but the fee is card-only and survives.
	_, err := env.credits.IssueCredit(ctx, student.ID, 6000, model.CreditSourceAdminGrant, nil)
	require.NoError(t, err)

	res, err := env.orch.AuthorizeBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusAuthorized, res.Status)

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, int64(6000), payment.CreditsReservedCents)
	assert.Equal(t, int64(500), payment.CardChargeCents, "the fee is the charge floor")

	calls := env.gateway.callsFor("create_intent")
	require.Len(t, calls, 1)
	assert.Equal(t, int64(500), calls[0].AmountCents)
}

func TestAuthorizeBookingDeclined(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	env.gateway.failWith("create_intent", gateway.ErrCardDeclined, "card declined")

	res, err := env.orch.AuthorizeBooking(ctx, booking.ID)
	require.NoError(t, err, "a declined card is an outcome, not an error")
	assert.Equal(t, AuthStatusFailed, res.Status)
	assert.Equal(t, gateway.ErrCardDeclined, res.ErrorCode)

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, model.PaymentStatusMethodRequired, payment.Status)
	assert.Equal(t, 1, payment.AuthFailureCount)
	assert.NotNil(t, payment.AuthAttemptedAt)

	// The booking stays pending, not confirmed and not cancelled yet.
	assert.Equal(t, model.BookingStatusPending, env.reloadBooking(t, booking.ID).Status)

	// Retry after the student fixes their card: a fresh idempotency key is
	// derived from the bumped failure count.
	env.gateway.succeed("create_intent")
	res, err = env.orch.AuthorizeBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusAuthorized, res.Status)

	calls := env.gateway.callsFor("create_intent")
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].Key, calls[1].Key)
}

func TestAuthorizeBookingSkipsTerminal(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	require.NoError(t, env.db.Model(&model.BookingPayment{}).
		Where("booking_id = ?", booking.ID).
		Update("status", model.PaymentStatusCancelled).Error)

	res, err := env.orch.AuthorizeBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, AuthStatusSkipped, res.Status)
	assert.Empty(t, env.gateway.calls)
}

func TestProcessScheduledAuthorizations(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")

	due := env.createBooking(t, student, instructor, 20*time.Hour, model.PaymentStatusScheduled)
	notYet := env.createBooking(t, student, instructor, 72*time.Hour, model.PaymentStatusScheduled)

	summary := env.orch.ProcessScheduledAuthorizations(ctx)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Success)

	assert.Equal(t, model.PaymentStatusAuthorized, env.reloadPayment(t, due.ID).Status)
	assert.Equal(t, model.PaymentStatusScheduled, env.reloadPayment(t, notYet.ID).Status,
		"T-24 not reached yet")
}

func TestRetryFailedAuthorizationsCancelsAtDeadline(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 2*time.Hour, model.PaymentStatusScheduled)

	require.NoError(t, env.db.Model(&model.BookingPayment{}).
		Where("booking_id = ?", booking.ID).
		Updates(map[string]interface{}{
			"status":             model.PaymentStatusMethodRequired,
			"auth_failure_count": 1,
		}).Error)

	// Move past the lesson start: the auth window is over.
	env.clock.Advance(3 * time.Hour)

	summary := env.orch.RetryFailedAuthorizations(ctx)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Cancelled)

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, model.PaymentStatusCancelled, payment.Status)
	assert.Equal(t, model.OutcomeAuthTimeoutCancelled, payment.SettlementOutcome)

	b := env.reloadBooking(t, booking.ID)
	assert.Equal(t, model.BookingStatusCancelled, b.Status)
	assert.Equal(t, model.CancelActorPlatform, b.CancelledBy)
}

func TestRetryFailedAuthorizationsAttemptCeiling(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	require.NoError(t, env.db.Model(&model.BookingPayment{}).
		Where("booking_id = ?", booking.ID).
		Updates(map[string]interface{}{
			"status":             model.PaymentStatusMethodRequired,
			"auth_failure_count": 3, // at MaxAuthAttempts
		}).Error)

	summary := env.orch.RetryFailedAuthorizations(ctx)
	assert.Equal(t, 1, summary.Cancelled)
	assert.Equal(t, model.PaymentStatusCancelled, env.reloadPayment(t, booking.ID).Status)
}

func TestRetryFailedAuthorizationsSkipsCaptureFailures(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, -2*time.Hour, model.PaymentStatusAuthorized)

	// A capture failure parks the payment in payment_method_required, but
	// it once authorized; the auth retry sweep must leave it alone.
	failedAt := env.clock.Now()
	require.NoError(t, env.db.Model(&model.BookingPayment{}).
		Where("booking_id = ?", booking.ID).
		Updates(map[string]interface{}{
			"status":            model.PaymentStatusMethodRequired,
			"capture_failed_at": failedAt,
		}).Error)

	summary := env.orch.RetryFailedAuthorizations(ctx)
	assert.Equal(t, 0, summary.Processed)
}

func TestSweepImmediateAuthTimeouts(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 10*time.Hour, model.PaymentStatusScheduled)

	require.NoError(t, env.db.Model(&model.BookingPayment{}).
		Where("booking_id = ?", booking.ID).
		Update("immediate_auth", true).Error)

	// Inside the 30-minute window nothing happens.
	summary := env.orch.SweepImmediateAuthTimeouts(ctx)
	assert.Equal(t, 0, summary.Cancelled)
	assert.Equal(t, model.PaymentStatusScheduled, env.reloadPayment(t, booking.ID).Status)

	// Past the deadline the booking is cancelled. The row's created_at is
	// wall-clock, so age the row rather than the fake clock.
	require.NoError(t, env.db.Model(&model.BookingPayment{}).
		Where("booking_id = ?", booking.ID).
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)
	env.clock.Set(time.Now().UTC())

	summary = env.orch.SweepImmediateAuthTimeouts(ctx)
	assert.Equal(t, 1, summary.Cancelled)

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, model.PaymentStatusCancelled, payment.Status)
	assert.Equal(t, model.OutcomeAuthTimeoutCancelled, payment.SettlementOutcome)
}

func TestCancelForPaymentFailureReleasesCredits(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusScheduled)

	_, err := env.credits.IssueCredit(ctx, student.ID, 2000, model.CreditSourceSignup, nil)
	require.NoError(t, err)
	_, err = env.credits.ReserveCredits(ctx, student.ID, booking.ID, 2000, nil)
	require.NoError(t, err)

	require.NoError(t, env.orch.CancelForPaymentFailure(ctx, booking.ID))

	balance, err := env.credits.AvailableBalance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance, "reserved credits return on payment-failure cancellation")

	// An audit row documents the cancellation.
	var audit model.SettlementAudit
	require.NoError(t, env.db.Where("booking_id = ?", booking.ID).First(&audit).Error)
	assert.Equal(t, model.OutcomeAuthTimeoutCancelled, audit.Outcome)
	assert.Equal(t, "sweep", audit.TriggerSource)
}
