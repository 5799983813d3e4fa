package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lessonloop/lessonloop-api/model"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		name  string
		hours float64
		want  Bucket
	}{
		{"well over 24h", 72, BucketOver24h},
		{"exactly 24h is over", 24.0, BucketOver24h},
		{"just under 24h", 23.99, BucketBetween1224},
		{"exactly 12h is middle bucket", 12.0, BucketBetween1224},
		{"just under 12h", 11.99, BucketUnder12h},
		{"one hour out", 1, BucketUnder12h},
		{"lesson already started", -2, BucketUnder12h},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BucketFor(tt.hours))
		})
	}
}

func TestHalfCredit(t *testing.T) {
	assert.Equal(t, int64(2500), HalfCredit(5000))
	// Odd amounts round to the nearest whole cent
	assert.Equal(t, int64(2501), HalfCredit(5001))
	assert.Equal(t, int64(1), HalfCredit(1))
	assert.Equal(t, int64(0), HalfCredit(0))
}

func TestDecideForcedCardRefund(t *testing.T) {
	base := Input{
		HoursUntilStart:      2, // inside 12h, would otherwise be a 50/50 split
		PriceCents:           6000,
		CardAuthorizedCents:  5000,
		CreditsReservedCents: 1000,
	}

	t.Run("instructor actor forces refund regardless of timing", func(t *testing.T) {
		in := base
		in.Actor = model.CancelActorInstructor
		in.Reason = model.CancelReasonRequested

		dec := Decide(in)
		assert.Equal(t, model.OutcomeInstructorCancelRefund, dec.Outcome)
		assert.Equal(t, RefundCard, dec.RefundMethod)
		assert.Equal(t, int64(5000), dec.RefundOrCreditAmountCents)
		assert.True(t, dec.ReleaseCredits)
		assert.False(t, dec.ForfeitCredits)
		assert.False(t, dec.CaptureFirst)
	})

	t.Run("platform actor forces refund", func(t *testing.T) {
		in := base
		in.Actor = model.CancelActorPlatform
		dec := Decide(in)
		assert.Equal(t, RefundCard, dec.RefundMethod)
	})

	t.Run("forced reason codes from a student actor", func(t *testing.T) {
		for _, reason := range []string{
			model.CancelReasonAdminDiscretion,
			model.CancelReasonTechnicalIssue,
			model.CancelReasonInstructorNoShow,
			model.CancelReasonDuplicateCharge,
		} {
			in := base
			in.Actor = model.CancelActorStudent
			in.Reason = reason
			dec := Decide(in)
			assert.Equal(t, RefundCard, dec.RefundMethod, "reason %s", reason)
			assert.Equal(t, model.OutcomeInstructorCancelRefund, dec.Outcome, "reason %s", reason)
		}
	})

	t.Run("plain student request does not force a refund", func(t *testing.T) {
		in := base
		in.Actor = model.CancelActorStudent
		in.Reason = model.CancelReasonRequested
		dec := Decide(in)
		assert.NotEqual(t, model.OutcomeInstructorCancelRefund, dec.Outcome)
	})

	t.Run("forced refund on a locked chain moves payout manually", func(t *testing.T) {
		in := base
		in.Actor = model.CancelActorInstructor
		in.Locked = true
		dec := Decide(in)
		assert.Equal(t, RefundCard, dec.RefundMethod)
		assert.True(t, dec.RequiresManualTransfer)
	})
}

func TestDecideStudentBuckets(t *testing.T) {
	base := Input{
		Actor:                 model.CancelActorStudent,
		Reason:                model.CancelReasonRequested,
		PriceCents:            6000,
		CardAuthorizedCents:   5000,
		CreditsReservedCents:  1000,
		InstructorPayoutCents: 4800,
		HasPayoutAccount:      true,
	}

	t.Run("over 24h releases everything", func(t *testing.T) {
		in := base
		in.HoursUntilStart = 30
		dec := Decide(in)
		assert.Equal(t, model.OutcomeStudentCancelGe24, dec.Outcome)
		assert.Equal(t, RefundCard, dec.RefundMethod)
		assert.Equal(t, int64(5000), dec.RefundOrCreditAmountCents)
		assert.True(t, dec.ReleaseCredits)
		assert.False(t, dec.CaptureFirst)
		assert.Zero(t, dec.InstructorPayoutDeltaCents)
	})

	t.Run("12-24h captures and issues full credit", func(t *testing.T) {
		in := base
		in.HoursUntilStart = 18
		dec := Decide(in)
		assert.Equal(t, model.OutcomeStudentCancel1224, dec.Outcome)
		assert.Equal(t, RefundCredit, dec.RefundMethod)
		assert.Equal(t, int64(6000), dec.RefundOrCreditAmountCents)
		assert.True(t, dec.CaptureFirst)
		assert.True(t, dec.ForfeitCredits)
		assert.Zero(t, dec.InstructorPayoutDeltaCents)
	})

	t.Run("under 12h splits and pays the instructor", func(t *testing.T) {
		in := base
		in.HoursUntilStart = 6
		dec := Decide(in)
		assert.Equal(t, model.OutcomeStudentCancelLt12, dec.Outcome)
		assert.Equal(t, RefundCredit, dec.RefundMethod)
		assert.Equal(t, int64(3000), dec.RefundOrCreditAmountCents)
		assert.Equal(t, int64(4800), dec.InstructorPayoutDeltaCents)
		assert.True(t, dec.RequiresManualTransfer)
		assert.True(t, dec.CaptureFirst)
		assert.True(t, dec.ForfeitCredits)
	})

	t.Run("under 12h without payout account defers the transfer", func(t *testing.T) {
		in := base
		in.HoursUntilStart = 6
		in.HasPayoutAccount = false
		dec := Decide(in)
		assert.False(t, dec.RequiresManualTransfer)
		assert.Equal(t, int64(4800), dec.InstructorPayoutDeltaCents)
	})
}

func TestDecideLocked(t *testing.T) {
	base := Input{
		Actor:                 model.CancelActorStudent,
		Reason:                model.CancelReasonRequested,
		PriceCents:            6000,
		InstructorPayoutCents: 4800,
		Locked:                true,
		HasPayoutAccount:      true,
	}

	t.Run("locked over 12h captures and credits in full", func(t *testing.T) {
		in := base
		in.HoursUntilStart = 20
		dec := Decide(in)
		assert.Equal(t, model.OutcomeLockedCancelGe12, dec.Outcome)
		assert.Equal(t, RefundCredit, dec.RefundMethod)
		assert.Equal(t, int64(6000), dec.RefundOrCreditAmountCents)
		assert.True(t, dec.CaptureFirst, "the carried hold is collected like any penalty cancellation")
		assert.True(t, dec.ForfeitCredits)
	})

	t.Run("locked under 12h captures and splits via manual transfer", func(t *testing.T) {
		in := base
		in.HoursUntilStart = 3
		dec := Decide(in)
		assert.Equal(t, model.OutcomeLockedCancelLt12, dec.Outcome)
		assert.Equal(t, int64(3000), dec.RefundOrCreditAmountCents)
		assert.Equal(t, int64(4800), dec.InstructorPayoutDeltaCents)
		assert.True(t, dec.RequiresManualTransfer)
		assert.True(t, dec.CaptureFirst)
	})
}

func TestCanLateReschedule(t *testing.T) {
	// Unlimited above 24h, one late reschedule per lineage in 12-24h,
	// closed inside 12h.
	assert.True(t, CanLateReschedule(48, false))
	assert.True(t, CanLateReschedule(48, true))
	assert.True(t, CanLateReschedule(24, true))

	assert.True(t, CanLateReschedule(18, false))
	assert.False(t, CanLateReschedule(18, true))
	assert.True(t, CanLateReschedule(12, false))

	assert.False(t, CanLateReschedule(11.99, false))
	assert.False(t, CanLateReschedule(2, false))
}
