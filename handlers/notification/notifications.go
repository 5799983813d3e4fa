package notification

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/lessonloop/lessonloop-api/services"
	"github.com/lessonloop/lessonloop-api/utils/middleware"
	"github.com/lessonloop/lessonloop-api/utils/response"
)

// NotificationHandler handles notification-related API endpoints
type NotificationHandler struct {
	notificationService *services.NotificationService
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(notificationService *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotifications handles GET /api/v1/notifications
// Returns all notifications for the authenticated user
func (h *NotificationHandler) GetNotifications(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	// Parse query parameters
	unreadOnly := c.Query("unread_only") == "true"
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	if limit > 100 {
		limit = 100
	}

	notifications, total, err := h.notificationService.GetNotificationsByUser(c.Context(), services.ListNotificationsOptions{
		UserID:     user.ID,
		UnreadOnly: unreadOnly,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch notifications")
	}

	// Get unread count
	unreadCount, _ := h.notificationService.GetUnreadCount(c.Context(), user.ID)

	return response.Success(c, fiber.Map{
		"notifications": notifications,
		"total":         total,
		"unread_count":  unreadCount,
		"limit":         limit,
		"offset":        offset,
	})
}

// GetUnreadCount handles GET /api/v1/notifications/unread-count
// Returns the count of unread notifications
func (h *NotificationHandler) GetUnreadCount(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	count, err := h.notificationService.GetUnreadCount(c.Context(), user.ID)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch unread count")
	}

	return response.Success(c, fiber.Map{"unread_count": count})
}

// MarkAsRead handles POST /api/v1/notifications/:id/read
func (h *NotificationHandler) MarkAsRead(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	notificationID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid notification ID")
	}

	if err := h.notificationService.MarkAsRead(c.Context(), user.ID, uint(notificationID)); err != nil {
		return response.NotFound(c, "Notification not found")
	}

	return response.SuccessWithMessage(c, "Notification marked as read", nil)
}
