package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonloop/lessonloop-api/model"
)

func TestPriceFor(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(6000), priceFor(6000, start, start.Add(time.Hour)))
	assert.Equal(t, int64(3000), priceFor(6000, start, start.Add(30*time.Minute)))
	assert.Equal(t, int64(9000), priceFor(6000, start, start.Add(90*time.Minute)))
	// 45 minutes at an odd rate rounds to whole cents
	assert.Equal(t, int64(4126), priceFor(5501, start, start.Add(45*time.Minute)))
}

func TestPayoutFor(t *testing.T) {
	s := NewBookingService(nil, nil, nil, BookingConfig{InstructorPayoutPct: 80})
	assert.Equal(t, int64(4800), s.payoutFor(6000))
	assert.Equal(t, int64(4801), s.payoutFor(6001))

	// Out-of-range config falls back to the default split
	s = NewBookingService(nil, nil, nil, BookingConfig{InstructorPayoutPct: 0})
	assert.Equal(t, int64(4800), s.payoutFor(6000))
}

func newTestBookingService(env *testEnv) *BookingService {
	return NewBookingService(env.db, env.orch, env.clock, BookingConfig{
		StudentFeeCents:     500,
		InstructorPayoutPct: 80,
	})
}

func TestCreateBookingScheduledAuth(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	svc := newTestBookingService(env)

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")

	start := env.clock.Now().Add(72 * time.Hour)
	booking, err := svc.CreateBooking(ctx, CreateBookingRequest{
		StudentID:       student.ID,
		InstructorID:    instructor.ID,
		StartsAt:        start,
		EndsAt:          start.Add(time.Hour),
		PaymentMethodID: "pm_test",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(6000), booking.PriceCents)
	assert.Equal(t, int64(500), booking.StudentFeeCents)
	assert.Equal(t, int64(4800), booking.InstructorPayoutCents)
	assert.Equal(t, model.BookingStatusPending, booking.Status)

	require.NotNil(t, booking.Payment)
	assert.Equal(t, model.PaymentStatusScheduled, booking.Payment.Status)
	assert.False(t, booking.Payment.ImmediateAuth)
	require.NotNil(t, booking.Payment.AuthScheduledFor)
	assert.WithinDuration(t, start.Add(-24*time.Hour), *booking.Payment.AuthScheduledFor, time.Second,
		"far-out bookings authorize at T-24")
	assert.Empty(t, env.gateway.calls, "no gateway call until the auth sweep")
}

func TestCreateBookingImmediateAuth(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	svc := newTestBookingService(env)

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")

	start := env.clock.Now().Add(10 * time.Hour)
	booking, err := svc.CreateBooking(ctx, CreateBookingRequest{
		StudentID:       student.ID,
		InstructorID:    instructor.ID,
		StartsAt:        start,
		EndsAt:          start.Add(time.Hour),
		PaymentMethodID: "pm_test",
	})
	require.NoError(t, err)

	// Inside the T-24 window the authorization runs inline.
	require.NotNil(t, booking.Payment)
	assert.True(t, booking.Payment.ImmediateAuth)
	assert.Equal(t, model.PaymentStatusAuthorized, booking.Payment.Status)
	assert.Equal(t, model.BookingStatusConfirmed, booking.Status)
	assert.Len(t, env.gateway.callsFor("create_intent"), 1)
}

func TestCreateBookingRejectsBadInput(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	svc := newTestBookingService(env)

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	start := env.clock.Now().Add(48 * time.Hour)

	_, err := svc.CreateBooking(ctx, CreateBookingRequest{
		StudentID: student.ID, InstructorID: instructor.ID,
		StartsAt: start, EndsAt: start, PaymentMethodID: "pm_test",
	})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)

	_, err = svc.CreateBooking(ctx, CreateBookingRequest{
		StudentID: student.ID, InstructorID: 99999,
		StartsAt: start, EndsAt: start.Add(time.Hour), PaymentMethodID: "pm_test",
	})
	assert.ErrorIs(t, err, ErrInstructorNotFound)

	_, err = svc.CreateBooking(ctx, CreateBookingRequest{
		StudentID: student.ID, InstructorID: student.ID,
		StartsAt: start, EndsAt: start.Add(time.Hour), PaymentMethodID: "pm_test",
	})
	assert.ErrorIs(t, err, ErrNotAnInstructor)

	// A locked account cannot book at all.
	require.NoError(t, env.db.Model(&model.User{}).Where("id = ?", student.ID).
		Update("account_locked", true).Error)
	_, err = svc.CreateBooking(ctx, CreateBookingRequest{
		StudentID: student.ID, InstructorID: instructor.ID,
		StartsAt: start, EndsAt: start.Add(time.Hour), PaymentMethodID: "pm_test",
	})
	assert.ErrorIs(t, err, ErrAccountNotInGoodStanding)
}

func TestRescheduleOver24hFree(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	svc := newTestBookingService(env)

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	parent := env.createBooking(t, student, instructor, 72*time.Hour, model.PaymentStatusScheduled)

	newStart := env.clock.Now().Add(96 * time.Hour)
	child, err := svc.RescheduleBooking(ctx, parent.ID, newStart, newStart.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, parent.ID, *child.RescheduledFromID)
	assert.False(t, child.LateRescheduleUsed, "over-24h moves don't burn the late reschedule")
	require.NotNil(t, child.Payment)
	assert.Equal(t, model.PaymentStatusScheduled, child.Payment.Status)

	p := env.reloadBooking(t, parent.ID)
	assert.Equal(t, model.BookingStatusCancelled, p.Status)
	assert.Equal(t, child.ID, *p.RescheduledToID)
	assert.False(t, p.LockedForReschedule)
}

func TestRescheduleLateMovesLockedFunds(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	svc := newTestBookingService(env)

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	parent := env.createBooking(t, student, instructor, 18*time.Hour, model.PaymentStatusAuthorized)

	// Reserved credits must follow the chain too.
	_, err := env.credits.IssueCredit(ctx, student.ID, 1500, model.CreditSourceSignup, nil)
	require.NoError(t, err)
	_, err = env.credits.ReserveCredits(ctx, student.ID, parent.ID, 1500, nil)
	require.NoError(t, err)

	newStart := env.clock.Now().Add(96 * time.Hour)
	child, err := svc.RescheduleBooking(ctx, parent.ID, newStart, newStart.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, child.LateRescheduleUsed, "the one late reschedule is burned")
	require.NotNil(t, child.Payment)
	assert.Equal(t, model.PaymentStatusLockedFunds, child.Payment.Status)
	assert.Equal(t, "pi_seeded", child.Payment.PaymentIntentID, "the authorization travels with the chain")
	assert.Equal(t, int64(6500), child.Payment.CardChargeCents)

	// Credit reservation moved to the child.
	var moved model.PlatformCredit
	require.NoError(t, env.db.Where("reserved_for_booking_id = ?", child.ID).First(&moved).Error)
	assert.Equal(t, model.CreditStatusReserved, moved.Status)

	// Parent closed out without touching the gateway.
	p := env.reloadBooking(t, parent.ID)
	assert.Equal(t, model.BookingStatusCancelled, p.Status)
	assert.True(t, p.LockedForReschedule)
	assert.Equal(t, model.PaymentStatusCancelled, env.reloadPayment(t, parent.ID).Status)
	assert.Empty(t, env.gateway.callsFor("cancel_intent"))

	// A second late reschedule of the chain is refused.
	anotherStart := env.clock.Now().Add(200 * time.Hour)
	require.NoError(t, env.db.Model(&model.Booking{}).Where("id = ?", child.ID).
		Update("starts_at", env.clock.Now().Add(18*time.Hour)).Error)
	_, err = svc.RescheduleBooking(ctx, child.ID, anotherStart, anotherStart.Add(time.Hour))
	assert.ErrorIs(t, err, ErrRescheduleLimit)
}

func TestRescheduleUnder12hClosed(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	svc := newTestBookingService(env)

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	parent := env.createBooking(t, student, instructor, 6*time.Hour, model.PaymentStatusAuthorized)

	newStart := env.clock.Now().Add(96 * time.Hour)
	_, err := svc.RescheduleBooking(ctx, parent.ID, newStart, newStart.Add(time.Hour))
	assert.ErrorIs(t, err, ErrRescheduleTooLate)
}

func TestMarkNoShow(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	svc := newTestBookingService(env)

	student := env.createUser(t, "student", 0, "")
	instructor := env.createUser(t, "instructor", 6000, "acct_1")
	booking := env.createBooking(t, student, instructor, -time.Hour, model.PaymentStatusAuthorized)

	// Only the booking's own instructor may flag it.
	other := env.createUser(t, "instructor", 5000, "acct_2")
	assert.ErrorIs(t, svc.MarkNoShow(ctx, booking.ID, other.ID), ErrBookingNotFound)

	require.NoError(t, svc.MarkNoShow(ctx, booking.ID, instructor.ID))
	assert.Equal(t, model.BookingStatusNoShow, env.reloadBooking(t, booking.ID).Status)

	// A lesson that has not started yet cannot be a no-show.
	upcoming := env.createBooking(t, student, instructor, 5*time.Hour, model.PaymentStatusAuthorized)
	assert.ErrorIs(t, svc.MarkNoShow(ctx, upcoming.ID, instructor.ID), ErrBookingNotFound)
}
