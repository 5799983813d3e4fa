package database

import (
	"errors"

	"github.com/lib/pq"
)

// Postgres error codes the payment core reacts to. Constraint violations are
// expected outcomes of concurrent requests, not programmer errors.
const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

// IsUniqueViolation reports whether err is a unique-constraint violation
// (e.g. a duplicate BookingPayment row created by a racing request).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}

// IsOverlapViolation reports whether err is the booking time-window exclusion
// constraint firing. The loser of a concurrent slot race sees this.
func IsOverlapViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgExclusionViolation
	}
	return false
}
