package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v76"
)

func TestClassifyStripeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want ErrorCode
	}{
		{
			"card declined",
			&stripe.Error{Code: stripe.ErrorCodeCardDeclined, Msg: "Your card was declined."},
			ErrCardDeclined,
		},
		{
			"expired card counts as declined",
			&stripe.Error{Code: stripe.ErrorCodeExpiredCard, Msg: "Your card has expired."},
			ErrCardDeclined,
		},
		{
			"incorrect cvc counts as declined",
			&stripe.Error{Code: stripe.ErrorCodeIncorrectCVC, Msg: "Incorrect CVC."},
			ErrCardDeclined,
		},
		{
			"already captured",
			&stripe.Error{Code: stripe.ErrorCodeChargeAlreadyCaptured, Msg: "Charge already captured."},
			ErrAlreadyCaptured,
		},
		{
			"authorization expired",
			&stripe.Error{Code: stripe.ErrorCodeChargeExpiredForCapture, Msg: "Authorization expired."},
			ErrAuthorizationExpired,
		},
		{
			"invalid request type",
			&stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Msg: "No such payment_intent."},
			ErrInvalidRequest,
		},
		{
			"unrecognized stripe error",
			&stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "Something went wrong."},
			ErrAPIError,
		},
		{
			"non-stripe error",
			fmt.Errorf("connection reset"),
			ErrAPIError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStripeError(tt.in)

			var gwErr *Error
			assert.True(t, errors.As(got, &gwErr))
			assert.Equal(t, tt.want, gwErr.Code)
			assert.Equal(t, tt.want, CodeOf(got))
		})
	}
}

func TestCodeOfPlainError(t *testing.T) {
	// Anything that is not a gateway.Error collapses to api_error so the
	// orchestrator never mistakes an infrastructure failure for a card problem.
	assert.Equal(t, ErrAPIError, CodeOf(fmt.Errorf("timeout")))
	assert.Equal(t, ErrCardDeclined, CodeOf(&Error{Code: ErrCardDeclined}))
}
