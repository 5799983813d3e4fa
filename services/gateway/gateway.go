package gateway

import (
	"context"
	"fmt"

	"github.com/lessonloop/lessonloop-api/utils/idempotency"
)

// ErrorCode classifies gateway failures. Each code maps to a specific
// payment-state transition in the orchestrator; none of them abort a sweep.
type ErrorCode string

const (
	ErrCardDeclined         ErrorCode = "card_declined"
	ErrAlreadyCaptured      ErrorCode = "already_captured"
	ErrAuthorizationExpired ErrorCode = "authorization_expired"
	ErrInvalidRequest       ErrorCode = "invalid_request"
	ErrAPIError             ErrorCode = "api_error"
)

// Error is a typed gateway failure
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

// CodeOf extracts the gateway error code, or ErrAPIError for anything else
func CodeOf(err error) ErrorCode {
	if gwErr, ok := err.(*Error); ok {
		return gwErr.Code
	}
	return ErrAPIError
}

// PaymentIntent is the gateway-side hold/charge object
type PaymentIntent struct {
	ID          string
	Status      string
	AmountCents int64
}

// Transfer is a payout to a connected account
type Transfer struct {
	ID          string
	AmountCents int64
}

// Refund is a card refund against a captured intent
type Refund struct {
	ID          string
	AmountCents int64
}

// Reversal undoes a previously created transfer
type Reversal struct {
	ID string
}

// CreateIntentInput parameterizes a new pre-authorization
type CreateIntentInput struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	BookingID       uint
}

// PaymentGateway wraps the external card processor. Every mutating call takes
// a deterministic idempotency key so scheduler re-runs and API retries
// collapse into one external effect.
type PaymentGateway interface {
	// CreatePaymentIntent creates and confirms a manual-capture intent (the
	// authorization hold). An existing intent for the same key is returned
	// as-is by the processor.
	CreatePaymentIntent(ctx context.Context, in CreateIntentInput, key idempotency.Key) (*PaymentIntent, error)

	// ConfirmPaymentIntent re-confirms an intent that needs another attempt
	// (e.g. after the student updates their payment method).
	ConfirmPaymentIntent(ctx context.Context, intentID string, key idempotency.Key) (*PaymentIntent, error)

	// CapturePaymentIntent converts the hold into a charge.
	CapturePaymentIntent(ctx context.Context, intentID string, amountCents int64, key idempotency.Key) (*PaymentIntent, error)

	// CancelPaymentIntent releases an uncaptured hold.
	CancelPaymentIntent(ctx context.Context, intentID string, key idempotency.Key) error

	// RefundPayment refunds a captured intent, fully (amountCents == 0) or partially.
	RefundPayment(ctx context.Context, intentID string, amountCents int64, key idempotency.Key) (*Refund, error)

	// CreateManualTransfer moves platform funds to a connected payout account.
	CreateManualTransfer(ctx context.Context, destinationAccount string, amountCents int64, description string, key idempotency.Key) (*Transfer, error)

	// ReverseTransfer claws back a previously created transfer.
	ReverseTransfer(ctx context.Context, transferID string, key idempotency.Key) (*Reversal, error)
}
