package booking

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services"
	"github.com/lessonloop/lessonloop-api/utils/middleware"
	"github.com/lessonloop/lessonloop-api/utils/response"
	"github.com/lessonloop/lessonloop-api/utils/validation"
)

// BookingHandler handles booking-related API endpoints
type BookingHandler struct {
	bookingService *services.BookingService
	orchestrator   *services.PaymentOrchestrator
	validator      *validation.Validator
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(bookingService *services.BookingService, orchestrator *services.PaymentOrchestrator) *BookingHandler {
	return &BookingHandler{
		bookingService: bookingService,
		orchestrator:   orchestrator,
		validator:      validation.NewValidator(),
	}
}

// CreateBooking handles POST /api/v1/bookings
func (h *BookingHandler) CreateBooking(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req services.CreateBookingRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	req.StudentID = user.ID

	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	booking, err := h.bookingService.CreateBooking(c.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSlotTaken):
			return response.Conflict(c, "The requested time slot is no longer available")
		case errors.Is(err, services.ErrInvalidTimeRange):
			return response.BadRequest(c, err.Error())
		case errors.Is(err, services.ErrInstructorNotFound):
			return response.NotFound(c, "Instructor not found")
		case errors.Is(err, services.ErrNotAnInstructor):
			return response.BadRequest(c, "The selected user does not offer lessons")
		case errors.Is(err, services.ErrAccountNotInGoodStanding):
			return response.Forbidden(c, "Your account cannot make bookings right now")
		default:
			return response.InternalServerError(c, "Failed to create booking")
		}
	}

	return response.Created(c, booking)
}

// GetBooking handles GET /api/v1/bookings/:id
func (h *BookingHandler) GetBooking(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	requesterID := user.ID
	if user.Role == model.RoleAdmin {
		requesterID = 0
	}

	booking, err := h.bookingService.GetBooking(c.Context(), uint(bookingID), requesterID)
	if err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		return response.InternalServerError(c, "Failed to fetch booking")
	}

	return response.Success(c, booking)
}

// ListBookings handles GET /api/v1/bookings
func (h *BookingHandler) ListBookings(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	role := c.Query("role", model.RoleStudent)
	if role == model.RoleInstructor && !user.IsInstructor() {
		return response.Forbidden(c, "Only instructors can view their teaching schedule")
	}

	bookings, total, err := h.bookingService.ListBookings(c.Context(), services.ListBookingsOptions{
		UserID: user.ID,
		Role:   role,
		Status: model.BookingStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return response.InternalServerError(c, "Failed to list bookings")
	}

	return response.Success(c, fiber.Map{
		"bookings": bookings,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// cancelRequest is the body for a cancellation
type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelBooking handles POST /api/v1/bookings/:id/cancel
func (h *BookingHandler) CancelBooking(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	var req cancelRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return response.BadRequest(c, "Invalid request body")
	}
	if req.Reason == "" {
		req.Reason = model.CancelReasonRequested
	}

	booking, err := h.bookingService.GetBooking(c.Context(), uint(bookingID), 0)
	if err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		return response.InternalServerError(c, "Failed to fetch booking")
	}

	actor, err := cancelActorFor(user, booking)
	if err != nil {
		return response.Forbidden(c, err.Error())
	}

	result, err := h.orchestrator.CancelBooking(c.Context(), uint(bookingID), actor, req.Reason)
	if err != nil {
		if errors.Is(err, services.ErrNotCancellable) {
			return response.Conflict(c, "This booking can no longer be cancelled")
		}
		return response.InternalServerError(c, "Failed to cancel booking")
	}

	return response.Success(c, result)
}

// cancelActorFor resolves which side of the booking is cancelling
func cancelActorFor(user *model.User, booking *model.Booking) (string, error) {
	switch {
	case user.Role == model.RoleAdmin:
		return model.CancelActorPlatform, nil
	case booking.InstructorID == user.ID:
		return model.CancelActorInstructor, nil
	case booking.StudentID == user.ID:
		return model.CancelActorStudent, nil
	default:
		return "", errors.New("you are not a participant of this booking")
	}
}

// rescheduleRequest is the body for a reschedule
type rescheduleRequest struct {
	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required"`
}

// RescheduleBooking handles POST /api/v1/bookings/:id/reschedule
func (h *BookingHandler) RescheduleBooking(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	var req rescheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	booking, err := h.bookingService.GetBooking(c.Context(), uint(bookingID), user.ID)
	if err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "Booking not found")
		}
		return response.InternalServerError(c, "Failed to fetch booking")
	}
	if booking.StudentID != user.ID {
		return response.Forbidden(c, "Only the student can reschedule a booking")
	}

	rescheduled, err := h.bookingService.RescheduleBooking(c.Context(), uint(bookingID), req.StartsAt, req.EndsAt)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSlotTaken):
			return response.Conflict(c, "The requested time slot is no longer available")
		case errors.Is(err, services.ErrRescheduleTooLate):
			return response.Conflict(c, "Rescheduling is not available this close to the lesson")
		case errors.Is(err, services.ErrRescheduleLimit):
			return response.Conflict(c, "This booking has already used its late reschedule")
		case errors.Is(err, services.ErrNotCancellable):
			return response.Conflict(c, "This booking can no longer be rescheduled")
		case errors.Is(err, services.ErrInvalidTimeRange):
			return response.BadRequest(c, err.Error())
		default:
			return response.InternalServerError(c, "Failed to reschedule booking")
		}
	}

	return response.Created(c, rescheduled)
}

// MarkNoShow handles POST /api/v1/bookings/:id/no-show
func (h *BookingHandler) MarkNoShow(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}
	if !user.IsInstructor() {
		return response.Forbidden(c, "Only instructors can report a no-show")
	}

	bookingID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid booking ID")
	}

	if err := h.bookingService.MarkNoShow(c.Context(), uint(bookingID), user.ID); err != nil {
		if errors.Is(err, services.ErrBookingNotFound) {
			return response.NotFound(c, "No eligible booking found")
		}
		return response.InternalServerError(c, "Failed to record no-show")
	}

	return response.SuccessWithMessage(c, "No-show recorded", nil)
}
