package app

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/api"
	"github.com/lessonloop/lessonloop-api/config"
	"github.com/lessonloop/lessonloop-api/database"
	"github.com/lessonloop/lessonloop-api/router"
	"github.com/lessonloop/lessonloop-api/services"
	"github.com/lessonloop/lessonloop-api/services/cron"
	"github.com/lessonloop/lessonloop-api/services/gateway"
	"github.com/lessonloop/lessonloop-api/services/storage"
	"github.com/lessonloop/lessonloop-api/utils/cache"
	"github.com/lessonloop/lessonloop-api/utils/lock"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	// Initialize GORM database connection
	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		print("If not running, run the following command:\n")
		print("  make docker-up   (for Docker setup)\n")
		print("  make db-up       (for local PostgreSQL)\n")
		return err
	}

	if err := store.Init(); err != nil {
		print("Failed to initialize database tables\n")
		print("Error running migrations:\n")
		return err
	}

	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		return fmt.Errorf("failed to get GORM DB instance")
	}

	// Redis backs both the per-booking locks and brute force protection
	redisURL := getEnv.REDIS_URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	redisCache, err := cache.NewRedisCache(redisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Receipt archive is optional; without credentials settlements simply
	// skip archiving
	var spacesClient *storage.SpacesClient
	if getEnv.SPACES_ACCESS_KEY != "" {
		spacesClient, err = storage.NewSpacesClient(storage.SpacesConfig{
			AccessKey: getEnv.SPACES_ACCESS_KEY,
			SecretKey: getEnv.SPACES_SECRET_KEY,
			Bucket:    getEnv.SPACES_BUCKET,
			Region:    getEnv.SPACES_REGION,
			Endpoint:  getEnv.SPACES_ENDPOINT,
		})
		if err != nil {
			log.Printf("Warning: receipt archive unavailable: %v", err)
		}
	}

	// Build the payment pipeline
	paymentGateway := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey: getEnv.STRIPE_SECRET_KEY,
	})
	creditService := services.NewCreditService(db)
	notificationService := services.NewNotificationService(db)
	emailService := services.NewEmailService()
	receiptService := services.NewReceiptService(spacesClient)
	bookingLocker := lock.NewBookingLocker(redisCache)
	clock := services.NewClock()

	orchestrator := services.NewPaymentOrchestrator(
		db,
		paymentGateway,
		creditService,
		notificationService,
		emailService,
		receiptService,
		bookingLocker,
		clock,
		services.OrchestratorConfig{
			MaxAuthAttempts:       getEnv.AUTH_RETRY_MAX_ATTEMPTS,
			ImmediateAuthDeadline: time.Duration(getEnv.IMMEDIATE_AUTH_DEADLINE_MINUTES) * time.Minute,
		},
	)

	bookingService := services.NewBookingService(db, orchestrator, clock, services.BookingConfig{
		StudentFeeCents:     getEnv.STUDENT_FEE_CENTS,
		InstructorPayoutPct: getEnv.INSTRUCTOR_PAYOUT_PCT,
	})

	// Initialize Cron Manager (only if enabled via environment variable)
	var cronManager *cron.CronManager
	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		cronManager = cron.NewCronManager(db, orchestrator, creditService)
		if err := cronManager.Start(); err != nil {
			print("Warning: Failed to start cron jobs\n")
			print("Error: ", err.Error(), "\n")
			// Don't fail the app, just log the warning
		}
	}

	// Defer Closing DB and stopping cron jobs
	defer func() {
		if cronManager != nil {
			cronManager.Stop()
		}
		store.Close()
	}()

	// Init API
	var server *api.APIServer = api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT))
	app := server.GetEngine()

	// Attach Middleware
	// Custom Logger
	app.Use(logger.New())

	app.Use(recover.New())

	// Setup Routes
	router.SetupRoutes(app, store, router.Deps{
		RedisCache:    redisCache,
		Orchestrator:  orchestrator,
		Bookings:      bookingService,
		Credits:       creditService,
		Notifications: notificationService,
	})

	// Get the PORT & Start the Server
	return server.Run()

}
