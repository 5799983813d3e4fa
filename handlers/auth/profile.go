package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/utils/response"
)

// UpdateProfileRequest represents a profile update request
type UpdateProfileRequest struct {
	Name            string `json:"name,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	HourlyRateCents int64  `json:"hourly_rate_cents,omitempty"` // Instructors only
}

// GetProfile retrieves the current user's profile
func (h *AuthHandler) GetProfile(c *fiber.Ctx) error {
	// Get user ID from context
	userID := c.Locals("user_id")
	if userID == nil {
		return response.Unauthorized(c, "Not authenticated")
	}

	// Get user from database
	var user model.User
	if err := h.db.First(&user, userID.(uint)).Error; err != nil {
		return response.NotFound(c, "User not found")
	}

	return response.Success(c, toUserResponse(&user))
}

// UpdateProfile updates the current user's profile
func (h *AuthHandler) UpdateProfile(c *fiber.Ctx) error {
	// Get user ID from context
	userID := c.Locals("user_id")
	if userID == nil {
		return response.Unauthorized(c, "Not authenticated")
	}

	var req UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	// Get user from database
	var user model.User
	if err := h.db.First(&user, userID.(uint)).Error; err != nil {
		return response.NotFound(c, "User not found")
	}

	// Update fields if provided
	if req.Name != "" {
		user.Name = req.Name
	}
	if req.Timezone != "" {
		user.Timezone = req.Timezone
	}
	if req.HourlyRateCents > 0 && user.IsInstructor() {
		user.HourlyRateCents = req.HourlyRateCents
	}

	// Save updates
	if err := h.db.Save(&user).Error; err != nil {
		return response.InternalServerError(c, "Failed to update profile")
	}

	return response.Success(c, toUserResponse(&user))
}
