package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/utils/auth"
	"github.com/lessonloop/lessonloop-api/utils/response"
	"gorm.io/gorm"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	jwtManager       *auth.JWTManager
	blacklistService *auth.BlacklistService
	db               *gorm.DB
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(jwtManager *auth.JWTManager, db *gorm.DB) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager:       jwtManager,
		blacklistService: auth.NewBlacklistService(db),
		db:               db,
	}
}

// authenticate validates the bearer token, checks revocation and token
// version, and loads the user. On failure it writes the error response
// and returns false.
func (m *AuthMiddleware) authenticate(c *fiber.Ctx) (*model.User, *auth.Claims, bool) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Missing authorization token")
		return nil, nil, false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		response.Unauthorized(c, "Invalid authorization format")
		return nil, nil, false
	}

	claims, err := m.jwtManager.ValidateToken(parts[1])
	if err != nil {
		if err == auth.ErrExpiredToken {
			response.Unauthorized(c, "Token has expired")
			return nil, nil, false
		}
		response.Unauthorized(c, "Invalid token")
		return nil, nil, false
	}

	if claims.TokenType != "access" {
		response.Unauthorized(c, "Invalid token type")
		return nil, nil, false
	}

	isRevoked, err := m.blacklistService.IsTokenRevoked(c.Context(), claims.ID)
	if err != nil {
		response.InternalServerError(c, "Failed to check token status")
		return nil, nil, false
	}
	if isRevoked {
		response.Unauthorized(c, "Token has been revoked")
		return nil, nil, false
	}

	var user model.User
	if err := m.db.First(&user, claims.UserID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			response.Unauthorized(c, "User not found")
			return nil, nil, false
		}
		response.InternalServerError(c, "Failed to load user")
		return nil, nil, false
	}

	// A password reset or forced logout bumps the version and kills
	// every token minted before it.
	if user.TokenVersion != claims.TokenVersion {
		response.Unauthorized(c, "Token has been invalidated")
		return nil, nil, false
	}

	return &user, claims, true
}

func storeIdentity(c *fiber.Ctx, user *model.User, claims *auth.Claims) {
	c.Locals("user_id", claims.UserID)
	c.Locals("user_role", claims.Role)
	c.Locals("user", user)
	c.Locals("token_jti", claims.ID)
}

// Required is middleware that requires a valid JWT token
func (m *AuthMiddleware) Required() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, claims, ok := m.authenticate(c)
		if !ok {
			return nil
		}
		storeIdentity(c, user, claims)
		return c.Next()
	}
}

// RequireAdmin is middleware that requires a valid JWT token carrying
// the admin role
func (m *AuthMiddleware) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, claims, ok := m.authenticate(c)
		if !ok {
			return nil
		}
		if user.Role != model.RoleAdmin {
			return response.Forbidden(c, "Admin access required")
		}
		storeIdentity(c, user, claims)
		return c.Next()
	}
}

// GetUser extracts the full user object from context
func GetUser(c *fiber.Ctx) (*model.User, bool) {
	user := c.Locals("user")
	if user == nil {
		return nil, false
	}
	u, ok := user.(*model.User)
	return u, ok
}

// GetTokenJTI extracts the token JTI from context
func GetTokenJTI(c *fiber.Ctx) (string, bool) {
	jti := c.Locals("token_jti")
	if jti == nil {
		return "", false
	}
	j, ok := jti.(string)
	return j, ok
}
