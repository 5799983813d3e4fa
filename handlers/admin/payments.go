package admin

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services"
	"github.com/lessonloop/lessonloop-api/utils/response"
)

// PaymentOpsHandler exposes the operator surface of the payment pipeline:
// the manual-review queue, forced retries, lock resolution and dispute
// outcomes.
type PaymentOpsHandler struct {
	db           *gorm.DB
	orchestrator *services.PaymentOrchestrator
}

// NewPaymentOpsHandler creates a new payment operations handler
func NewPaymentOpsHandler(db *gorm.DB, orchestrator *services.PaymentOrchestrator) *PaymentOpsHandler {
	return &PaymentOpsHandler{db: db, orchestrator: orchestrator}
}

// ListManualReview handles GET /api/v1/admin/payments/manual-review
func (h *PaymentOpsHandler) ListManualReview(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 50
	}

	query := h.db.Model(&model.BookingPayment{}).
		Where("status = ?", model.PaymentStatusManualReview)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return response.InternalServerError(c, "Failed to count manual review queue")
	}

	var payments []model.BookingPayment
	err := query.Preload("Booking").
		Order("updated_at ASC").
		Limit(limit).Offset(offset).
		Find(&payments).Error
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch manual review queue")
	}

	return response.Success(c, fiber.Map{
		"payments": payments,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// RetryCapture handles POST /api/v1/admin/bookings/:id/capture
func (h *PaymentOpsHandler) RetryCapture(c *fiber.Ctx) error {
	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	result, err := h.orchestrator.ProcessCaptureForBooking(c.Context(), uint(bookingID), "admin")
	if err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		return response.InternalServerError(c, "Capture attempt failed")
	}

	return response.Success(c, result)
}

// CaptureLateCancellation handles POST /api/v1/admin/bookings/:id/capture-cancellation
func (h *PaymentOpsHandler) CaptureLateCancellation(c *fiber.Ctx) error {
	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	if err := h.orchestrator.CaptureLateCancellation(c.Context(), uint(bookingID)); err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		if errors.Is(err, services.ErrNotCancellable) {
			return response.Conflict(c, "Booking has no outstanding cancellation capture")
		}
		return response.InternalServerError(c, "Capture attempt failed")
	}

	return response.SuccessWithMessage(c, "Cancellation charge captured", nil)
}

// ResolveLock handles POST /api/v1/admin/bookings/:id/resolve-lock
func (h *PaymentOpsHandler) ResolveLock(c *fiber.Ctx) error {
	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	result, err := h.orchestrator.ResolveLockForBooking(c.Context(), uint(bookingID), "admin")
	if err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		return response.InternalServerError(c, "Lock resolution failed")
	}

	return response.Success(c, result)
}

// DisputeLost handles POST /api/v1/admin/bookings/:id/dispute-lost
func (h *PaymentOpsHandler) DisputeLost(c *fiber.Ctx) error {
	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	result, err := h.orchestrator.HandleDisputeLost(c.Context(), uint(bookingID))
	if err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		return response.InternalServerError(c, "Failed to process lost dispute")
	}

	return response.Success(c, result)
}

// DisputeWon handles POST /api/v1/admin/bookings/:id/dispute-won
func (h *PaymentOpsHandler) DisputeWon(c *fiber.Ctx) error {
	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	result, err := h.orchestrator.HandleDisputeWon(c.Context(), uint(bookingID))
	if err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		return response.InternalServerError(c, "Failed to process won dispute")
	}

	return response.Success(c, result)
}

// ListSettlements handles GET /api/v1/admin/bookings/:id/settlements
func (h *PaymentOpsHandler) ListSettlements(c *fiber.Ctx) error {
	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	var audits []model.SettlementAudit
	if err := h.db.Where("booking_id = ?", bookingID).Order("created_at ASC").Find(&audits).Error; err != nil {
		return response.InternalServerError(c, "Failed to fetch settlement history")
	}

	return response.Success(c, fiber.Map{"settlements": audits})
}

// UnlockAccount handles POST /api/v1/admin/users/:id/unlock
func (h *PaymentOpsHandler) UnlockAccount(c *fiber.Ctx) error {
	userID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid user ID")
	}

	result := h.db.Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"account_locked":      false,
			"account_lock_reason": "",
		})
	if result.Error != nil {
		return response.InternalServerError(c, "Failed to unlock account")
	}
	if result.RowsAffected == 0 {
		return response.NotFound(c, "User not found")
	}

	return response.SuccessWithMessage(c, "Account unlocked", nil)
}
