package gateway

import (
	"context"
	"errors"
	"log"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/lessonloop/lessonloop-api/utils/idempotency"
)

// DefaultCurrency is used when a caller does not specify one
const DefaultCurrency = "usd"

// StripeGateway implements PaymentGateway against the Stripe API
type StripeGateway struct {
	api *client.API
}

// StripeConfig holds configuration for the Stripe gateway
type StripeConfig struct {
	SecretKey string
}

// NewStripeGateway creates a new Stripe-backed gateway
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &StripeGateway{api: api}
}

// CreatePaymentIntent creates and confirms a manual-capture intent
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, in CreateIntentInput, key idempotency.Key) (*PaymentIntent, error) {
	currency := in.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(in.AmountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	}
	if in.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(in.PaymentMethodID)
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(key.String())
	params.AddMetadata("booking_id", key.String())

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return toPaymentIntent(pi), nil
}

// ConfirmPaymentIntent re-confirms an existing intent
func (g *StripeGateway) ConfirmPaymentIntent(ctx context.Context, intentID string, key idempotency.Key) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	params.SetIdempotencyKey(key.String())

	pi, err := g.api.PaymentIntents.Confirm(intentID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return toPaymentIntent(pi), nil
}

// CapturePaymentIntent converts the hold into a charge
func (g *StripeGateway) CapturePaymentIntent(ctx context.Context, intentID string, amountCents int64, key idempotency.Key) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	if amountCents > 0 {
		params.AmountToCapture = stripe.Int64(amountCents)
	}
	params.Context = ctx
	params.SetIdempotencyKey(key.String())

	pi, err := g.api.PaymentIntents.Capture(intentID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return toPaymentIntent(pi), nil
}

// CancelPaymentIntent releases an uncaptured hold
func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, intentID string, key idempotency.Key) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(key.String())

	if _, err := g.api.PaymentIntents.Cancel(intentID, params); err != nil {
		return classifyStripeError(err)
	}
	return nil
}

// RefundPayment refunds a captured intent, fully (amountCents == 0) or partially
func (g *StripeGateway) RefundPayment(ctx context.Context, intentID string, amountCents int64, key idempotency.Key) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
	}
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}
	params.Context = ctx
	params.SetIdempotencyKey(key.String())

	ref, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Refund{ID: ref.ID, AmountCents: ref.Amount}, nil
}

// CreateManualTransfer moves platform funds to a connected payout account
func (g *StripeGateway) CreateManualTransfer(ctx context.Context, destinationAccount string, amountCents int64, description string, key idempotency.Key) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(DefaultCurrency),
		Destination: stripe.String(destinationAccount),
	}
	if description != "" {
		params.Description = stripe.String(description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(key.String())

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Transfer{ID: tr.ID, AmountCents: tr.Amount}, nil
}

// ReverseTransfer claws back a previously created transfer
func (g *StripeGateway) ReverseTransfer(ctx context.Context, transferID string, key idempotency.Key) (*Reversal, error) {
	params := &stripe.TransferReversalParams{
		ID: stripe.String(transferID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(key.String())

	rev, err := g.api.TransferReversals.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Reversal{ID: rev.ID}, nil
}

// classifyStripeError maps Stripe errors to the typed codes the orchestrator
// keys its state transitions on. Anything unrecognized becomes api_error.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		log.Printf("[GATEWAY] non-stripe error: %v", err)
		return &Error{Code: ErrAPIError, Message: err.Error()}
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined, stripe.ErrorCodeExpiredCard, stripe.ErrorCodeIncorrectCVC:
		return &Error{Code: ErrCardDeclined, Message: stripeErr.Msg}
	case stripe.ErrorCodeChargeAlreadyCaptured:
		return &Error{Code: ErrAlreadyCaptured, Message: stripeErr.Msg}
	case stripe.ErrorCodeChargeExpiredForCapture:
		return &Error{Code: ErrAuthorizationExpired, Message: stripeErr.Msg}
	}

	if stripeErr.Type == stripe.ErrorTypeInvalidRequest {
		return &Error{Code: ErrInvalidRequest, Message: stripeErr.Msg}
	}
	return &Error{Code: ErrAPIError, Message: stripeErr.Msg}
}

func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:          pi.ID,
		Status:      string(pi.Status),
		AmountCents: pi.Amount,
	}
}
