package router

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/database"
	"github.com/lessonloop/lessonloop-api/handlers"
	admin_handlers "github.com/lessonloop/lessonloop-api/handlers/admin"
	auth_handlers "github.com/lessonloop/lessonloop-api/handlers/auth"
	booking_handlers "github.com/lessonloop/lessonloop-api/handlers/booking"
	credit_handlers "github.com/lessonloop/lessonloop-api/handlers/credit"
	notification_handlers "github.com/lessonloop/lessonloop-api/handlers/notification"
	"github.com/lessonloop/lessonloop-api/services"
	"github.com/lessonloop/lessonloop-api/utils"
	"github.com/lessonloop/lessonloop-api/utils/auth"
	"github.com/lessonloop/lessonloop-api/utils/cache"
	"github.com/lessonloop/lessonloop-api/utils/middleware"
)

// Deps carries the payment-pipeline services built at startup; the router
// wires them to HTTP and adds the auth stack on top.
type Deps struct {
	RedisCache    *cache.RedisCache
	Orchestrator  *services.PaymentOrchestrator
	Bookings      *services.BookingService
	Credits       *services.CreditService
	Notifications *services.NotificationService
}

func SetupRoutes(app *fiber.App, store database.Storage, deps Deps) {
	// Get JWT secret from environment
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := os.Getenv("JWT_ISSUER")
	if jwtIssuer == "" {
		jwtIssuer = "lessonloop-api"
	}

	// Initialize JWT manager with config
	jwtConfig := auth.JWTConfig{
		Secret:        jwtSecret,
		Expiry:        24 * time.Hour,     // Access token expires in 24 hours
		RefreshExpiry: 7 * 24 * time.Hour, // Refresh token expires in 7 days
		Issuer:        jwtIssuer,
	}
	jwtManager := auth.NewJWTManager(jwtConfig)

	// Get DB instance (type assert from interface)
	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	// Initialize brute force protection
	var bruteForceProtection *middleware.BruteForceProtection
	if deps.RedisCache != nil {
		bruteForceProtection = middleware.NewBruteForceProtection(deps.RedisCache)
	}

	// Initialize auth middleware with DB for blacklist checking
	authMiddleware := middleware.NewAuthMiddleware(jwtManager, db)

	// Initialize handlers
	authHandler := auth_handlers.NewAuthHandler(db, jwtManager, bruteForceProtection)
	bookingHandler := booking_handlers.NewBookingHandler(deps.Bookings, deps.Orchestrator)
	creditHandler := credit_handlers.NewCreditHandler(deps.Credits)
	notificationHandler := notification_handlers.NewNotificationHandler(deps.Notifications)
	paymentOpsHandler := admin_handlers.NewPaymentOpsHandler(db, deps.Orchestrator)

	// Apply security middleware
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://localhost:3001"
	}

	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    allowedOrigins,
		RateLimitRequests: 100,             // 100 requests
		RateLimitWindow:   1 * time.Minute, // per minute
	})

	// Health check endpoint (public)
	app.Get("/ping", utils.MakeHTTPHandleFunc(handlers.HandleCheckHealth, store))

	// API v1 group
	api := app.Group("/api/v1")

	// Auth routes (public)
	authGroup := api.Group("/auth")
	authGroup.Post("/register", authHandler.Register)

	// Login with brute force protection
	if bruteForceProtection != nil {
		authGroup.Post("/login", bruteForceProtection.CheckAndRecordAttempt(), authHandler.Login)
	} else {
		authGroup.Post("/login", authHandler.Login)
	}

	authGroup.Post("/refresh", authHandler.RefreshToken)

	// Protected auth routes
	authGroup.Post("/logout", authMiddleware.Required(), authHandler.Logout)

	// Profile routes (protected)
	profileGroup := api.Group("/profile", authMiddleware.Required())
	profileGroup.Get("/", authHandler.GetProfile)
	profileGroup.Put("/", authHandler.UpdateProfile)

	// Booking routes (protected)
	bookings := api.Group("/bookings", authMiddleware.Required())
	bookings.Post("/", bookingHandler.CreateBooking)
	bookings.Get("/", bookingHandler.ListBookings)
	bookings.Get("/:id", bookingHandler.GetBooking)
	bookings.Post("/:id/cancel", bookingHandler.CancelBooking)
	bookings.Post("/:id/reschedule", bookingHandler.RescheduleBooking)
	bookings.Post("/:id/no-show", bookingHandler.MarkNoShow)

	// Credit routes (protected)
	credits := api.Group("/credits", authMiddleware.Required())
	credits.Get("/balance", creditHandler.GetBalance)
	credits.Get("/", creditHandler.ListCredits)

	// Notification routes (protected)
	notifications := api.Group("/notifications", authMiddleware.Required())
	notifications.Get("/", notificationHandler.GetNotifications)
	notifications.Get("/unread-count", notificationHandler.GetUnreadCount)
	notifications.Post("/:id/read", notificationHandler.MarkAsRead)

	// Admin payment operations
	admin := api.Group("/admin", authMiddleware.RequireAdmin())
	admin.Get("/payments/manual-review", paymentOpsHandler.ListManualReview)
	admin.Post("/bookings/:id/capture", paymentOpsHandler.RetryCapture)
	admin.Post("/bookings/:id/capture-cancellation", paymentOpsHandler.CaptureLateCancellation)
	admin.Post("/bookings/:id/resolve-lock", paymentOpsHandler.ResolveLock)
	admin.Post("/bookings/:id/dispute-lost", paymentOpsHandler.DisputeLost)
	admin.Post("/bookings/:id/dispute-won", paymentOpsHandler.DisputeWon)
	admin.Get("/bookings/:id/settlements", paymentOpsHandler.ListSettlements)
	admin.Post("/credits", creditHandler.GrantCredit)
	admin.Delete("/credits/:id", creditHandler.RevokeCredit)

	// Admin user management
	admin.Get("/users", utils.MakeHTTPHandleFunc(admin_handlers.ListUsers, store))
	admin.Get("/users/stats", utils.MakeHTTPHandleFunc(admin_handlers.GetUserStats, store))
	admin.Get("/users/:id", utils.MakeHTTPHandleFunc(admin_handlers.GetUser, store))
	admin.Put("/users/:id", utils.MakeHTTPHandleFunc(admin_handlers.UpdateUser, store))
	admin.Delete("/users/:id", utils.MakeHTTPHandleFunc(admin_handlers.DeleteUser, store))
	admin.Post("/users/:id/reset-password", utils.MakeHTTPHandleFunc(admin_handlers.ResetUserPassword, store))
	admin.Post("/users/:id/unlock", paymentOpsHandler.UnlockAccount)
}
