package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyString(t *testing.T) {
	assert.Equal(t, "booking-42-authorize-0", New(42, OpAuthorize, 0).String())
	assert.Equal(t, "booking-42-capture-3", New(42, OpCapture, 3).String())
	assert.Equal(t, "booking-7-manual_transfer-0", New(7, OpManualTransfer, 0).String())
}

func TestKeyDeterminism(t *testing.T) {
	a := New(10, OpRefund, 1)
	b := New(10, OpRefund, 1)
	assert.Equal(t, a.String(), b.String())

	// A retry with a bumped attempt generation derives a fresh key
	c := New(10, OpRefund, 2)
	assert.NotEqual(t, a.String(), c.String())

	// Different operations on the same booking never collide
	assert.NotEqual(t, New(10, OpCapture, 1).String(), New(10, OpRefund, 1).String())
}
