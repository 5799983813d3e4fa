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

func TestCancelBookingOver24hReleasesHold(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusAuthorized)

	res, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStudentCancelGe24, res.Outcome)
	assert.Equal(t, "card", res.RefundMethod)
	assert.Equal(t, int64(6500), res.RefundedCents)

	// The uncaptured hold is cancelled, never captured or refunded.
	assert.Len(t, env.gateway.callsFor("cancel_intent"), 1)
	assert.Empty(t, env.gateway.callsFor("capture"))
	assert.Empty(t, env.gateway.callsFor("refund"))

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, model.PaymentStatusCancelled, payment.Status)
	assert.Equal(t, model.OutcomeStudentCancelGe24, payment.SettlementOutcome)
	assert.Equal(t, model.BookingStatusCancelled, env.reloadBooking(t, booking.ID).Status)
}

func TestCancelBooking1224CapturesAndCredits(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 18*time.Hour, model.PaymentStatusAuthorized)

	res, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStudentCancel1224, res.Outcome)
	assert.Equal(t, int64(6000), res.CreditIssuedCents, "full price back as credit")
	assert.Zero(t, res.InstructorPaidCents)

	// The hold was captured, not released.
	assert.Len(t, env.gateway.callsFor("capture"), 1)
	assert.Empty(t, env.gateway.callsFor("cancel_intent"))

	payment := env.reloadPayment(t, booking.ID)
	assert.Equal(t, model.PaymentStatusSettled, payment.Status)

	// The student holds a fresh cancellation credit tied to this booking.
	var credit model.PlatformCredit
	require.NoError(t, env.db.Where("source_booking_id = ? AND status = ?", booking.ID, model.CreditStatusAvailable).
		First(&credit).Error)
	assert.Equal(t, int64(6000), credit.AmountCents)
	assert.Equal(t, model.CreditSourceCancellation, credit.SourceType)
}

func TestCancelBookingUnder12hSplits(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 6*time.Hour, model.PaymentStatusAuthorized)

	res, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStudentCancelLt12, res.Outcome)
	assert.Equal(t, int64(3000), res.CreditIssuedCents, "half the price back as credit")
	assert.Equal(t, int64(4800), res.InstructorPaidCents)

	assert.Len(t, env.gateway.callsFor("capture"), 1)
	payouts := env.gateway.callsFor("manual_transfer")
	require.Len(t, payouts, 1)
	assert.Equal(t, "acct_1", payouts[0].Target)

	var transfer model.BookingTransfer
	require.NoError(t, env.db.Where("booking_id = ?", booking.ID).First(&transfer).Error)
	assert.NotEmpty(t, transfer.PayoutTransferID)
}

func TestCancelBookingInstructorForcesRefund(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	// 2 hours out: a student cancel would be the 50/50 split
	booking := env.createBooking(t, student, instructor, 2*time.Hour, model.PaymentStatusAuthorized)

	_, err := env.credits.IssueCredit(ctx, student.ID, 1000, model.CreditSourceSignup, nil)
	require.NoError(t, err)
	_, err = env.credits.ReserveCredits(ctx, student.ID, booking.ID, 1000, nil)
	require.NoError(t, err)

	res, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorInstructor, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInstructorCancelRefund, res.Outcome)
	assert.Equal(t, "card", res.RefundMethod)

	// Uncaptured hold: cancel the intent, give the credits back.
	assert.Len(t, env.gateway.callsFor("cancel_intent"), 1)
	assert.Empty(t, env.gateway.callsFor("manual_transfer"), "instructor gets nothing when they cancel")

	balance, err := env.credits.AvailableBalance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestCancelBookingIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 48*time.Hour, model.PaymentStatusAuthorized)

	first, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.False(t, first.AlreadyDone)

	second, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.True(t, second.AlreadyDone)
	assert.Equal(t, first.Outcome, second.Outcome)

	assert.Len(t, env.gateway.callsFor("cancel_intent"), 1)
}

func TestCancelBookingGatewayFailureRollsBack(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 18*time.Hour, model.PaymentStatusAuthorized)

	env.gateway.failWith("capture", gateway.ErrAPIError, "gateway unavailable")

	_, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.Error(t, err)

	// Nothing settled, no credit issued: the whole transaction rolled back.
	assert.Equal(t, model.BookingStatusConfirmed, env.reloadBooking(t, booking.ID).Status)
	assert.Equal(t, model.PaymentStatusAuthorized, env.reloadPayment(t, booking.ID).Status)
	var count int64
	env.db.Model(&model.PlatformCredit{}).Where("source_booking_id = ?", booking.ID).Count(&count)
	assert.Zero(t, count)
}

func TestCancelLockedBookingCapturesCarriedHold(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 18*time.Hour, model.PaymentStatusLockedFunds)

	res, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeLockedCancelGe12, res.Outcome)
	assert.Equal(t, int64(6000), res.CreditIssuedCents)

	// The hold travelled here from the parent booking and the student still
	// owes it: the cancellation captures it before issuing the credit.
	captures := env.gateway.callsFor("capture")
	require.Len(t, captures, 1)
	assert.Equal(t, int64(6500), captures[0].AmountCents)
	assert.Empty(t, env.gateway.callsFor("cancel_intent"))
	assert.Empty(t, env.gateway.callsFor("refund"))
	assert.Equal(t, model.PaymentStatusSettled, env.reloadPayment(t, booking.ID).Status)
}

func TestCancelLockedBookingInstructorReleasesHold(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 18*time.Hour, model.PaymentStatusLockedFunds)

	res, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorInstructor, model.CancelReasonRequested)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInstructorCancelRefund, res.Outcome)

	// Instructor fault: the carried hold is released, never captured.
	assert.Empty(t, env.gateway.callsFor("capture"))
	assert.Len(t, env.gateway.callsFor("cancel_intent"), 1)
	assert.Equal(t, int64(6500), res.RefundedCents)
}

func TestDisputeLostAndWon(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, 18*time.Hour, model.PaymentStatusAuthorized)

	// A 12-24h cancellation leaves the student holding a cancellation credit.
	_, err := env.orch.CancelBooking(ctx, booking.ID, model.CancelActorStudent, model.CancelReasonRequested)
	require.NoError(t, err)

	// Spend part of it on another booking and forfeit it, so the dispute finds
	// both unspent and spent credits.
	other := env.createBooking(t, student, instructor, 72*time.Hour, model.PaymentStatusScheduled)
	reserved, err := env.credits.ReserveCredits(ctx, student.ID, other.ID, 2000, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2000), reserved)
	_, err = env.credits.ForfeitCreditsForBooking(ctx, other.ID, nil)
	require.NoError(t, err)

	lost, err := env.orch.HandleDisputeLost(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDisputeLost, lost.Outcome)
	assert.Equal(t, int64(4000), lost.CreditsRevokedCents, "unspent remainder revoked")
	assert.Equal(t, int64(2000), lost.DebtRecordedCents, "spent credits become debt")
	assert.True(t, lost.AccountRestricted)

	var u model.User
	require.NoError(t, env.db.First(&u, student.ID).Error)
	assert.True(t, u.AccountRestricted)
	assert.Equal(t, int64(2000), u.CreditDebtCents)
	assert.Equal(t, model.PaymentStatusManualReview, env.reloadPayment(t, booking.ID).Status)

	// Replay is a no-op.
	again, err := env.orch.HandleDisputeLost(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)

	// Winning the review reverses everything.
	won, err := env.orch.HandleDisputeWon(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDisputeWon, won.Outcome)
	assert.Equal(t, int64(4000), won.CreditsRevokedCents, "revoked credits restored")
	assert.Equal(t, int64(2000), won.DebtClearedCents)
	assert.False(t, won.AccountRestricted)

	require.NoError(t, env.db.First(&u, student.ID).Error)
	assert.False(t, u.AccountRestricted)
	assert.Zero(t, u.CreditDebtCents)
	assert.Equal(t, model.PaymentStatusSettled, env.reloadPayment(t, booking.ID).Status)

	balance, err := env.credits.AvailableBalance(ctx, student.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), balance)
}
