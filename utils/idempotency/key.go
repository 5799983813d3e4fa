package idempotency

import "fmt"

// Operation names the gateway-mutating step a key protects. Every
// gateway-calling code path derives its key through New so the derivation
// cannot drift between the authorization, capture and refund flows.
type Operation string

const (
	OpAuthorize      Operation = "authorize"
	OpConfirm        Operation = "confirm"
	OpCapture        Operation = "capture"
	OpCancelIntent   Operation = "cancel_intent"
	OpRefund         Operation = "refund"
	OpManualTransfer Operation = "manual_transfer"
	OpAdvancedPayout Operation = "advanced_payout"
	OpReversal       Operation = "reversal"
)

// Key is a deterministic idempotency key for one gateway call. Replays of the
// same (booking, operation, attempt generation) triple produce the same
// external effect instead of a duplicate charge, refund or transfer.
type Key struct {
	BookingID uint
	Operation Operation
	Attempt   int
}

// New builds a Key for the given booking, operation and attempt generation
func New(bookingID uint, op Operation, attempt int) Key {
	return Key{BookingID: bookingID, Operation: op, Attempt: attempt}
}

// String renders the wire form sent to the gateway
func (k Key) String() string {
	return fmt.Sprintf("booking-%d-%s-%d", k.BookingID, k.Operation, k.Attempt)
}
