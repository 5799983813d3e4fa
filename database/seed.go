package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/utils/auth"
	"gorm.io/gorm"
)

// Seeder handles database seeding operations
type Seeder struct {
	db *gorm.DB
}

// NewSeeder creates a new seeder instance
func NewSeeder(db *gorm.DB) *Seeder {
	return &Seeder{db: db}
}

// SeedAll runs all seed functions
func (s *Seeder) SeedAll() error {
	log.Println("🌱 Starting database seeding...")

	// Run seeds in order (respecting foreign key constraints)
	if err := s.SeedAdminUser(); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}

	if err := s.SeedDemoInstructors(); err != nil {
		return fmt.Errorf("failed to seed demo instructors: %w", err)
	}

	if err := s.SeedDemoStudent(); err != nil {
		return fmt.Errorf("failed to seed demo student: %w", err)
	}

	log.Println("✅ Database seeding completed successfully!")
	return nil
}

// SeedAdminUser creates the default admin user
func (s *Seeder) SeedAdminUser() error {
	// Check if admin already exists
	var count int64
	if err := s.db.Model(&model.User{}).Where("role = ?", "admin").Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		log.Println("⏭️  Admin user already exists, skipping...")
		return nil
	}

	// Get admin credentials from environment variables
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		log.Println("⚠️  ADMIN_EMAIL and ADMIN_PASSWORD environment variables not set, skipping admin user creation")
		return nil
	}

	// Hash password
	passwordHash, err := auth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	admin := &model.User{
		Email:        adminEmail,
		PasswordHash: passwordHash,
		Name:         "System Administrator",
		Role:         "admin",
		Timezone:     "UTC",
		TokenVersion: 0,
	}

	if err := s.db.Create(admin).Error; err != nil {
		return err
	}

	log.Printf("✅ Created admin user: %s\n", admin.Email)
	return nil
}

// SeedDemoInstructors creates sample instructors with payout accounts so
// captures and manual transfers can be exercised end-to-end in development.
// Skipped outside development (SEED_DEMO_DATA must be "true").
func (s *Seeder) SeedDemoInstructors() error {
	if os.Getenv("SEED_DEMO_DATA") != "true" {
		log.Println("⏭️  SEED_DEMO_DATA not enabled, skipping demo instructors...")
		return nil
	}

	var count int64
	if err := s.db.Model(&model.User{}).Where("role = ?", "instructor").Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		log.Println("⏭️  Instructors already exist, skipping...")
		return nil
	}

	passwordHash, err := auth.HashPassword("instructor123")
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	instructors := []model.User{
		{
			Email:           "maria.instructor@example.com",
			PasswordHash:    passwordHash,
			Name:            "Maria Santos",
			Role:            "instructor",
			Timezone:        "Europe/Lisbon",
			HourlyRateCents: 4500,
			PayoutAccountID: "acct_demo_maria",
		},
		{
			Email:           "ken.instructor@example.com",
			PasswordHash:    passwordHash,
			Name:            "Ken Watanabe",
			Role:            "instructor",
			Timezone:        "Asia/Tokyo",
			HourlyRateCents: 6000,
			PayoutAccountID: "acct_demo_ken",
		},
		{
			Email:        "noa.instructor@example.com",
			PasswordHash: passwordHash,
			Name:         "Noa Berg",
			Role:         "instructor",
			Timezone:     "Europe/Oslo",
			// No payout account yet: exercises the deferred-payout path
			HourlyRateCents: 3800,
		},
	}

	for i := range instructors {
		if err := s.db.Create(&instructors[i]).Error; err != nil {
			return err
		}
		log.Printf("✅ Created instructor: %s\n", instructors[i].Email)
	}

	return nil
}

// SeedDemoStudent creates a sample student with a signup credit
func (s *Seeder) SeedDemoStudent() error {
	if os.Getenv("SEED_DEMO_DATA") != "true" {
		log.Println("⏭️  SEED_DEMO_DATA not enabled, skipping demo student...")
		return nil
	}

	var count int64
	if err := s.db.Model(&model.User{}).Where("role = ?", "student").Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		log.Println("⏭️  Students already exist, skipping...")
		return nil
	}

	passwordHash, err := auth.HashPassword("student123")
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	student := &model.User{
		Email:        "sam.student@example.com",
		PasswordHash: passwordHash,
		Name:         "Sam Taylor",
		Role:         "student",
		Timezone:     "America/New_York",
	}

	if err := s.db.Create(student).Error; err != nil {
		return err
	}

	// Signup credit, expires in 90 days
	expiresAt := time.Now().UTC().AddDate(0, 0, 90)
	credit := &model.PlatformCredit{
		UserID:      student.ID,
		AmountCents: 1000,
		Status:      model.CreditStatusAvailable,
		ExpiresAt:   &expiresAt,
		SourceType:  model.CreditSourceSignup,
		Description: "Welcome credit",
	}

	if err := s.db.Create(credit).Error; err != nil {
		return err
	}

	log.Printf("✅ Created student: %s (with signup credit)\n", student.Email)
	return nil
}

// RunSeeds is the entry point used by cmd/seed
func RunSeeds(db *gorm.DB) error {
	seeder := NewSeeder(db)
	return seeder.SeedAll()
}
