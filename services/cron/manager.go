package cron

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/model"
	"github.com/lessonloop/lessonloop-api/services"
	"github.com/lessonloop/lessonloop-api/utils/auth"
)

// CronManager manages all scheduled payment sweeps
type CronManager struct {
	cron         *cron.Cron
	db           *gorm.DB
	orchestrator *services.PaymentOrchestrator
	credits      *services.CreditService
	blacklist    *auth.BlacklistService
}

// NewCronManager creates a new cron manager
func NewCronManager(db *gorm.DB, orchestrator *services.PaymentOrchestrator, credits *services.CreditService) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron:         c,
		db:           db,
		orchestrator: orchestrator,
		credits:      credits,
		blacklist:    auth.NewBlacklistService(db),
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	// Register all jobs
	if err := m.registerJobs(); err != nil {
		return err
	}

	// Start the cron scheduler
	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// 1. Every minute: authorize bookings whose T-24 window has arrived
	_, err := m.cron.AddFunc("0 * * * * *", func() {
		m.logJobStart("process_scheduled_authorizations")
		m.ProcessScheduledAuthorizations()
	})
	if err != nil {
		return err
	}

	// 2. Every 5 minutes: retry failed authorizations, cancel past deadline
	_, err = m.cron.AddFunc("0 */5 * * * *", func() {
		m.logJobStart("retry_failed_authorizations")
		m.RetryFailedAuthorizations()
	})
	if err != nil {
		return err
	}

	// 3. Every 5 minutes: cancel immediate-auth bookings past the 30-minute deadline
	_, err = m.cron.AddFunc("30 */5 * * * *", func() {
		m.logJobStart("sweep_immediate_auth_timeouts")
		m.SweepImmediateAuthTimeouts()
	})
	if err != nil {
		return err
	}

	// 4. Every 10 minutes: capture lessons that have ended
	_, err = m.cron.AddFunc("0 */10 * * * *", func() {
		m.logJobStart("capture_completed_lessons")
		m.CaptureCompletedLessons()
	})
	if err != nil {
		return err
	}

	// 5. Every hour: retry failed captures, escalate past 72 hours
	_, err = m.cron.AddFunc("0 0 * * * *", func() {
		m.logJobStart("retry_failed_captures")
		m.RetryFailedCaptures()
	})
	if err != nil {
		return err
	}

	// 6. Daily at 3 AM: expire old platform credits
	_, err = m.cron.AddFunc("0 0 3 * * *", func() {
		m.logJobStart("expire_old_credits")
		m.ExpireOldCredits()
	})
	if err != nil {
		return err
	}

	// 7. Daily at 4 AM: cleanup old job logs
	_, err = m.cron.AddFunc("0 0 4 * * *", func() {
		m.logJobStart("cleanup_old_job_logs")
		m.CleanupOldJobLogs()
	})
	if err != nil {
		return err
	}

	// 8. Daily at 4:30 AM: drop expired entries from the token blacklist
	_, err = m.cron.AddFunc("0 30 4 * * *", func() {
		m.logJobStart("cleanup_expired_tokens")
		m.CleanupExpiredTokens()
	})
	if err != nil {
		return err
	}

	log.Println("All cron jobs registered successfully")
	return nil
}

// logJobStart logs the start of a cron job
func (m *CronManager) logJobStart(jobName string) {
	log.Printf("[CRON] Starting job: %s at %s", jobName, time.Now().Format(time.RFC3339))

	// Log to database
	cronLog := model.CronJobLog{
		JobName:   jobName,
		Status:    "running",
		StartedAt: time.Now(),
		Metadata:  "{}",
	}
	m.db.Create(&cronLog)
}

// logJobComplete logs successful completion of a cron job
func (m *CronManager) logJobComplete(jobName string, message string) {
	log.Printf("[CRON] Completed job: %s - %s", jobName, message)

	// Update database log
	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "completed",
			"completed_at": time.Now(),
			"message":      message,
		})
}

// logJobError logs a cron job error
func (m *CronManager) logJobError(jobName string, err error) {
	log.Printf("[CRON] Error in job: %s - %v", jobName, err)

	// Update database log
	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "failed",
			"completed_at": time.Now(),
			"error_msg":    err.Error(),
		})
}
