package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services/gateway"
	"github.com/lessonloop/lessonloop-api/utils/cache"
	"github.com/lessonloop/lessonloop-api/utils/idempotency"
	"github.com/lessonloop/lessonloop-api/utils/lock"
)

// fakeClock implements Clock with a settable instant
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) HoursUntil(t time.Time) float64 {
	return t.Sub(c.Now()).Hours()
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatewayCall records one mutating gateway invocation for assertions
type gatewayCall struct {
	Op          string
	Key         string
	AmountCents int64
	Target      string
}

// fakeGateway implements gateway.PaymentGateway in memory. Failures are
// scripted per operation; every call is recorded with its idempotency key.
type fakeGateway struct {
	mu      sync.Mutex
	calls   []gatewayCall
	fail    map[string]error // op name -> error to return
	nextSeq int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fail: make(map[string]error)}
}

func (g *fakeGateway) failWith(op string, code gateway.ErrorCode, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[op] = &gateway.Error{Code: code, Message: msg}
}

func (g *fakeGateway) succeed(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.fail, op)
}

func (g *fakeGateway) record(op string, key idempotency.Key, amount int64, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Op: op, Key: key.String(), AmountCents: amount, Target: target})
	return g.fail[op]
}

func (g *fakeGateway) callsFor(op string) []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gatewayCall
	for _, c := range g.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (g *fakeGateway) nextID(prefix string) string {
	g.nextSeq++
	return fmt.Sprintf("%s_fake_%d", prefix, g.nextSeq)
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, in gateway.CreateIntentInput, key idempotency.Key) (*gateway.PaymentIntent, error) {
	if err := g.record("create_intent", key, in.AmountCents, ""); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gateway.PaymentIntent{ID: g.nextID("pi"), Status: "requires_capture", AmountCents: in.AmountCents}, nil
}

func (g *fakeGateway) ConfirmPaymentIntent(ctx context.Context, intentID string, key idempotency.Key) (*gateway.PaymentIntent, error) {
	if err := g.record("confirm_intent", key, 0, intentID); err != nil {
		return nil, err
	}
	return &gateway.PaymentIntent{ID: intentID, Status: "requires_capture"}, nil
}

func (g *fakeGateway) CapturePaymentIntent(ctx context.Context, intentID string, amountCents int64, key idempotency.Key) (*gateway.PaymentIntent, error) {
	if err := g.record("capture", key, amountCents, intentID); err != nil {
		return nil, err
	}
	return &gateway.PaymentIntent{ID: intentID, Status: "succeeded", AmountCents: amountCents}, nil
}

func (g *fakeGateway) CancelPaymentIntent(ctx context.Context, intentID string, key idempotency.Key) error {
	return g.record("cancel_intent", key, 0, intentID)
}

func (g *fakeGateway) RefundPayment(ctx context.Context, intentID string, amountCents int64, key idempotency.Key) (*gateway.Refund, error) {
	if err := g.record("refund", key, amountCents, intentID); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gateway.Refund{ID: g.nextID("re"), AmountCents: amountCents}, nil
}

func (g *fakeGateway) CreateManualTransfer(ctx context.Context, destinationAccount string, amountCents int64, description string, key idempotency.Key) (*gateway.Transfer, error) {
	if err := g.record("manual_transfer", key, amountCents, destinationAccount); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gateway.Transfer{ID: g.nextID("tr"), AmountCents: amountCents}, nil
}

func (g *fakeGateway) ReverseTransfer(ctx context.Context, transferID string, key idempotency.Key) (*gateway.Reversal, error) {
	if err := g.record("reverse_transfer", key, 0, transferID); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gateway.Reversal{ID: g.nextID("trr")}, nil
}

// testEnv is the wired-up stack for integration tests
type testEnv struct {
	db      *gorm.DB
	gateway *fakeGateway
	clock   *fakeClock
	orch    *PaymentOrchestrator
	credits *CreditService
}

// setupTestEnv connects to the integration database and Redis, migrates the
// schema and returns a fully wired orchestrator with a fake gateway and clock.
// Requires RUN_INTEGRATION_TESTS=true, TEST_DATABASE_URL and TEST_REDIS_URL.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test. Set RUN_INTEGRATION_TESTS=true to run")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Booking{},
		&model.BookingPayment{},
		&model.BookingTransfer{},
		&model.PlatformCredit{},
		&model.UserNotification{},
		&model.SettlementAudit{},
	))

	// Wipe between runs; order respects foreign keys.
	for _, table := range []string{
		"settlement_audits", "user_notifications", "platform_credits",
		"booking_transfers", "booking_payments", "bookings", "users",
	} {
		require.NoError(t, db.Exec("DELETE FROM "+table).Error)
	}

	redisCache, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	gw := newFakeGateway()
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	credits := NewCreditService(db)

	orch := NewPaymentOrchestrator(
		db, gw, credits,
		NewNotificationService(db),
		NewEmailService(),
		NewReceiptService(nil),
		lock.NewBookingLocker(redisCache),
		clock,
		DefaultOrchestratorConfig(),
	)

	return &testEnv{db: db, gateway: gw, clock: clock, orch: orch, credits: credits}
}

// createUser inserts a user row
func (e *testEnv) createUser(t *testing.T, role string, rateCents int64, payoutAccount string) *model.User {
	t.Helper()
	u := &model.User{
		Email:           fmt.Sprintf("%s-%d@test.local", role, time.Now().UnixNano()),
		PasswordHash:    "x",
		Name:            "Test " + role,
		Role:            role,
		HourlyRateCents: rateCents,
		PayoutAccountID: payoutAccount,
	}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

// createBooking inserts a booking with its payment row in the given state
func (e *testEnv) createBooking(t *testing.T, student, instructor *model.User, startsIn time.Duration, paymentStatus model.PaymentStatus) *model.Booking {
	t.Helper()
	start := e.clock.Now().Add(startsIn)
	end := start.Add(time.Hour)

	booking := &model.Booking{
		StudentID:             student.ID,
		InstructorID:          instructor.ID,
		LessonDate:            start.Truncate(24 * time.Hour),
		StartTime:             start.Format("15:04"),
		EndTime:               end.Format("15:04"),
		StartsAt:              start,
		EndsAt:                end,
		Status:                model.BookingStatusPending,
		DurationMinutes:       60,
		PriceCents:            6000,
		StudentFeeCents:       500,
		InstructorPayoutCents: 4800,
	}
	require.NoError(t, e.db.Create(booking).Error)

	authAt := start.Add(-24 * time.Hour)
	payment := &model.BookingPayment{
		BookingID:        booking.ID,
		Status:           paymentStatus,
		PaymentMethodID:  "pm_test",
		AuthScheduledFor: &authAt,
	}
	if paymentStatus == model.PaymentStatusAuthorized || paymentStatus == model.PaymentStatusLockedFunds {
		now := e.clock.Now()
		payment.PaymentIntentID = "pi_seeded"
		payment.CardChargeCents = 6500
		payment.AuthorizedAt = &now
		booking.Status = model.BookingStatusConfirmed
		require.NoError(t, e.db.Model(booking).Update("status", booking.Status).Error)
	}
	require.NoError(t, e.db.Create(payment).Error)

	booking.Payment = payment
	return booking
}

// reloadPayment fetches the current payment row for a booking
func (e *testEnv) reloadPayment(t *testing.T, bookingID uint) *model.BookingPayment {
	t.Helper()
	var p model.BookingPayment
	require.NoError(t, e.db.Where("booking_id = ?", bookingID).First(&p).Error)
	return &p
}

// reloadBooking fetches the current booking row
func (e *testEnv) reloadBooking(t *testing.T, bookingID uint) *model.Booking {
	t.Helper()
	var b model.Booking
	require.NoError(t, e.db.First(&b, bookingID).Error)
	return &b
}
