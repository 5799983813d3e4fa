package auth

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/model"
	authutil "github.com/lessonloop/lessonloop-api/utils/auth"
	"github.com/lessonloop/lessonloop-api/utils/middleware"
	"github.com/lessonloop/lessonloop-api/utils/response"
	"github.com/lessonloop/lessonloop-api/utils/validation"
)

// AuthHandler handles authentication-related requests
type AuthHandler struct {
	db                   *gorm.DB
	jwtManager           *authutil.JWTManager
	blacklistService     *authutil.BlacklistService
	bruteForceProtection *middleware.BruteForceProtection
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(db *gorm.DB, jwtManager *authutil.JWTManager, bruteForceProtection *middleware.BruteForceProtection) *AuthHandler {
	return &AuthHandler{
		db:                   db,
		jwtManager:           jwtManager,
		blacklistService:     authutil.NewBlacklistService(db),
		bruteForceProtection: bruteForceProtection,
	}
}

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8"`
	Name            string `json:"name" validate:"required,min=2"`
	Role            string `json:"role,omitempty"` // Optional, defaults to "student"
	Timezone        string `json:"timezone,omitempty"`
	HourlyRateCents int64  `json:"hourly_rate_cents,omitempty"` // Instructors only
}

// RegisterResponse represents a successful registration response
type RegisterResponse struct {
	User         UserResponse `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"` // in seconds
}

// UserResponse represents user data in responses
type UserResponse struct {
	ID              uint      `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	Timezone        string    `json:"timezone"`
	HourlyRateCents int64     `json:"hourly_rate_cents,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toUserResponse(user *model.User) UserResponse {
	return UserResponse{
		ID:              user.ID,
		Email:           user.Email,
		Name:            user.Name,
		Role:            user.Role,
		Timezone:        user.Timezone,
		HourlyRateCents: user.HourlyRateCents,
		CreatedAt:       user.CreatedAt,
		UpdatedAt:       user.UpdatedAt,
	}
}

// Register handles user registration
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	// Validate request
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return response.BadRequest(c, "Email, password, and name are required")
	}

	if !validation.ValidateEmail(req.Email) {
		return response.BadRequest(c, "Invalid email address")
	}

	// Validate password strength
	if !authutil.IsPasswordValid(req.Password) {
		return response.BadRequest(c, "Password must be at least 8 characters long")
	}

	// Set default role if not provided
	if req.Role == "" {
		req.Role = model.RoleStudent
	}

	// Validate role. Admin accounts are provisioned out of band.
	if req.Role != model.RoleStudent && req.Role != model.RoleInstructor {
		return response.BadRequest(c, "Invalid role. Must be 'student' or 'instructor'")
	}

	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	// Check if user already exists
	var existingUser model.User
	if err := h.db.Where("email = ?", req.Email).First(&existingUser).Error; err == nil {
		return response.Conflict(c, "User with this email already exists")
	}

	// Hash password
	hashedPassword, err := authutil.HashPassword(req.Password)
	if err != nil {
		return response.InternalServerError(c, "Failed to process password")
	}

	// Create user
	user := model.User{
		Email:        req.Email,
		PasswordHash: hashedPassword,
		Name:         req.Name,
		Role:         req.Role,
		Timezone:     req.Timezone,
		TokenVersion: 0, // Initialize token version
	}
	if req.Role == model.RoleInstructor {
		user.HourlyRateCents = req.HourlyRateCents
	}

	if err := h.db.Create(&user).Error; err != nil {
		return response.InternalServerError(c, "Failed to create user")
	}

	// Generate tokens with token version
	accessToken, accessJTI, err := h.jwtManager.GenerateAccessToken(user.ID, user.Email, user.Role, user.TokenVersion)
	if err != nil {
		return response.InternalServerError(c, "Failed to generate access token")
	}

	refreshToken, refreshJTI, err := h.jwtManager.GenerateRefreshToken(user.ID, user.Email, user.Role, user.TokenVersion)
	if err != nil {
		return response.InternalServerError(c, "Failed to generate refresh token")
	}

	// Store JTI for potential tracking (optional)
	_ = accessJTI
	_ = refreshJTI

	// Prepare response
	res := RegisterResponse{
		User:         toUserResponse(&user),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    24 * 60 * 60, // 24 hours in seconds
	}

	return response.Created(c, res)
}
