package database

import (
	"fmt"
	"log"
	"time"

	"github.com/lessonloop/lessonloop-api/config"
	"github.com/lessonloop/lessonloop-api/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage defines the interface that all database implementations must satisfy
type Storage interface {
	Init() error
	Close() error
	HealthCheck() error

	// GetDB returns the underlying *gorm.DB
	GetDB() interface{}
}

type GORMStore struct {
	db *gorm.DB
}

// StartGORM initializes a GORM connection to PostgreSQL
func StartGORM() (*GORMStore, error) {
	getEnv, err := config.Get()
	if err != nil {
		return nil, err
	}

	// Build DSN (Data Source Name)
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		getEnv.DB_HOST,
		getEnv.DB_USER_NAME,
		getEnv.DB_PASSWORD,
		getEnv.DB_NAME,
		getEnv.DB_PORT,
		getEnv.DB_SSL_MODE,
	)

	// Configure GORM logger
	gormLogger := logger.Default.LogMode(logger.Info)
	if getEnv.GO_ENV == "production" {
		gormLogger = logger.Default.LogMode(logger.Error)
	}

	// Open GORM connection
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: false,
		PrepareStmt:            true, // Prepare statements for better performance
	})
	if err != nil {
		log.Println("Unable to connect to PostgreSQL with GORM:", err)
		return nil, err
	}

	// Get underlying *sql.DB to configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection pool settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Successfully connected to PostgreSQL Database with GORM.")

	return &GORMStore{db: db}, nil
}

// Init runs AutoMigrate for all models plus the raw-SQL constraints GORM
// cannot express (the active-booking overlap exclusion constraint).
func (s *GORMStore) Init() error {
	log.Println("Running GORM AutoMigrate for all models...")

	err := s.db.AutoMigrate(
		// User models
		&model.User{},
		&model.JWTTokenBlacklist{},

		// Booking and payment models
		&model.Booking{},
		&model.BookingPayment{},
		&model.BookingTransfer{},

		// Credit ledger
		&model.PlatformCredit{},

		// Audit & logging models
		&model.CronJobLog{},
		&model.SettlementAudit{},

		// User notification models
		&model.UserNotification{},
	)
	if err != nil {
		log.Println("Error running AutoMigrate:", err)
		return err
	}

	if err := s.migrateBookingOverlapConstraint(); err != nil {
		log.Println("Error creating booking overlap constraint:", err)
		return err
	}

	log.Println("GORM AutoMigrate completed successfully!")
	return nil
}

// migrateBookingOverlapConstraint installs the exclusion constraints that
// reject two active bookings occupying overlapping time windows for the same
// instructor or the same student. Concurrent inserts racing for a slot surface
// as a 23P01 exclusion violation which callers classify via IsOverlapViolation.
func (s *GORMStore) migrateBookingOverlapConstraint() error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS btree_gist`,
		`DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'bookings_instructor_no_overlap') THEN
				ALTER TABLE bookings ADD CONSTRAINT bookings_instructor_no_overlap
					EXCLUDE USING gist (
						instructor_id WITH =,
						tstzrange(starts_at, ends_at) WITH &&
					) WHERE (status <> 'cancelled' AND deleted_at IS NULL);
			END IF;
		END $$`,
		`DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'bookings_student_no_overlap') THEN
				ALTER TABLE bookings ADD CONSTRAINT bookings_student_no_overlap
					EXCLUDE USING gist (
						student_id WITH =,
						tstzrange(starts_at, ends_at) WITH &&
					) WHERE (status <> 'cancelled' AND deleted_at IS NULL);
			END IF;
		END $$`,
	}

	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *GORMStore) Close() error {
	log.Println("Closing GORM PostgreSQL connection...")
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the GORM DB instance for use in services/handlers
func (s *GORMStore) GetDB() interface{} {
	return s.db
}

// HealthCheck verifies the database connection is alive
func (s *GORMStore) HealthCheck() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
