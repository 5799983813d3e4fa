// Package policy decides how a cancelled or disputed booking settles. The
// decision is a pure function of time-until-lesson, actor and payment state;
// executing it (gateway calls, ledger writes) happens elsewhere so the rules
// stay unit-testable without I/O.
package policy

import (
	"math"

	"github.com/lessonloop/lessonloop-api/model"
)

// Bucket is the time window a cancellation falls into, measured against the
// lesson's start instant. Boundaries are inclusive on the left: exactly 24.0
// hours is over_24h, exactly 12.0 hours is between_12_24h.
type Bucket string

const (
	BucketOver24h     Bucket = "over_24h"
	BucketBetween1224 Bucket = "between_12_24h"
	BucketUnder12h    Bucket = "under_12h"
)

// BucketFor maps hours-until-start onto a cancellation bucket
func BucketFor(hoursUntilStart float64) Bucket {
	switch {
	case hoursUntilStart >= 24:
		return BucketOver24h
	case hoursUntilStart >= 12:
		return BucketBetween1224
	default:
		return BucketUnder12h
	}
}

// RefundMethod is how the student gets value back
type RefundMethod string

const (
	RefundCard   RefundMethod = "card"
	RefundCredit RefundMethod = "credit"
	RefundNone   RefundMethod = "none"
)

// Input carries everything the decision needs. CardAuthorizedCents is the
// card portion currently held (0 if credits fully covered the lesson).
type Input struct {
	HoursUntilStart       float64
	Actor                 string // model.CancelActor*
	Reason                string // model.CancelReason*
	PriceCents            int64
	CardAuthorizedCents   int64
	CreditsReservedCents  int64
	InstructorPayoutCents int64
	Locked                bool // reschedule chain holding funds against a parent booking
	HasPayoutAccount      bool
	LateRescheduleUsed    bool
}

// Decision is the structured settlement outcome. CaptureFirst means the
// authorization must be captured before any credit is issued; when false an
// uncaptured hold is simply cancelled (or, for card refunds on captured
// intents, refunded).
type Decision struct {
	Outcome                    string
	RefundMethod               RefundMethod
	RefundOrCreditAmountCents  int64
	InstructorPayoutDeltaCents int64
	RequiresManualTransfer     bool
	CaptureFirst               bool
	ReleaseCredits             bool // reserved credits go back to available
	ForfeitCredits             bool // reserved credits are consumed
}

// forcedCardRefund reports whether the actor/reason combination bypasses the
// time buckets entirely.
func forcedCardRefund(in Input) bool {
	if in.Actor == model.CancelActorInstructor || in.Actor == model.CancelActorPlatform {
		return true
	}
	switch in.Reason {
	case model.CancelReasonAdminDiscretion, model.CancelReasonTechnicalIssue,
		model.CancelReasonInstructorNoShow, model.CancelReasonDuplicateCharge:
		return true
	}
	return false
}

// HalfCredit rounds half of the lesson price to whole cents
func HalfCredit(priceCents int64) int64 {
	return int64(math.Round(float64(priceCents) * 0.5))
}

// Decide returns the settlement decision for a cancellation
func Decide(in Input) Decision {
	if forcedCardRefund(in) {
		// Instructor-caused or platform-forced: the student is made whole on
		// their card no matter the timing, and reserved credits come back.
		return Decision{
			Outcome:                   model.OutcomeInstructorCancelRefund,
			RefundMethod:              RefundCard,
			RefundOrCreditAmountCents: in.CardAuthorizedCents,
			RequiresManualTransfer:    in.Locked,
			ReleaseCredits:            true,
		}
	}

	if in.Locked {
		return decideLocked(in)
	}

	switch BucketFor(in.HoursUntilStart) {
	case BucketOver24h:
		// Full release: uncaptured hold is cancelled, credits return.
		return Decision{
			Outcome:                   model.OutcomeStudentCancelGe24,
			RefundMethod:              RefundCard,
			RefundOrCreditAmountCents: in.CardAuthorizedCents,
			ReleaseCredits:            true,
		}
	case BucketBetween1224:
		// Credit-only settlement: capture the hold, hand the full price back
		// as a fresh platform credit.
		return Decision{
			Outcome:                   model.OutcomeStudentCancel1224,
			RefundMethod:              RefundCredit,
			RefundOrCreditAmountCents: in.PriceCents,
			CaptureFirst:              true,
			ForfeitCredits:            true,
		}
	default:
		// Inside 12 hours: capture and split. Student gets half back as
		// credit, instructor is still paid their full share.
		return Decision{
			Outcome:                    model.OutcomeStudentCancelLt12,
			RefundMethod:               RefundCredit,
			RefundOrCreditAmountCents:  HalfCredit(in.PriceCents),
			InstructorPayoutDeltaCents: in.InstructorPayoutCents,
			RequiresManualTransfer:     in.HasPayoutAccount,
			CaptureFirst:               true,
			ForfeitCredits:             true,
		}
	}
}

// decideLocked settles a reschedule chain. The authorization travelled here
// from the parent booking and is captured like any penalty-window
// cancellation; only the instructor payout leg moves through a manual
// transfer.
func decideLocked(in Input) Decision {
	if BucketFor(in.HoursUntilStart) == BucketUnder12h {
		return Decision{
			Outcome:                    model.OutcomeLockedCancelLt12,
			RefundMethod:               RefundCredit,
			RefundOrCreditAmountCents:  HalfCredit(in.PriceCents),
			InstructorPayoutDeltaCents: in.InstructorPayoutCents,
			RequiresManualTransfer:     in.HasPayoutAccount,
			CaptureFirst:               true,
			ForfeitCredits:             true,
		}
	}
	return Decision{
		Outcome:                   model.OutcomeLockedCancelGe12,
		RefundMethod:              RefundCredit,
		RefundOrCreditAmountCents: in.PriceCents,
		CaptureFirst:              true,
		ForfeitCredits:            true,
	}
}

// CanLateReschedule reports whether a reschedule is allowed at this distance
// from the lesson. Over 24 hours reschedules are unlimited; in the 12-24
// window a single late reschedule is permitted per booking lineage; inside 12
// hours rescheduling is not available at all.
func CanLateReschedule(hoursUntilStart float64, lateRescheduleUsed bool) bool {
	switch BucketFor(hoursUntilStart) {
	case BucketOver24h:
		return true
	case BucketBetween1224:
		return !lateRescheduleUsed
	default:
		return false
	}
}
