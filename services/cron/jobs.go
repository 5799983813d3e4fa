package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/lessonloop/lessonloop-api/model"
)

// sweepTimeout bounds one full sweep; individual bookings hold their own
// advisory locks so a stuck gateway call cannot wedge the scheduler.
const sweepTimeout = 10 * time.Minute

func sweepContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sweepTimeout)
}

func summarize(s any) string {
	return fmt.Sprintf("%+v", s)
}

// ProcessScheduledAuthorizations authorizes every booking whose T-24 window
// has arrived
func (m *CronManager) ProcessScheduledAuthorizations() {
	jobName := "process_scheduled_authorizations"
	ctx, cancel := sweepContext()
	defer cancel()

	summary := m.orchestrator.ProcessScheduledAuthorizations(ctx)
	m.logJobComplete(jobName, summarize(summary))
}

// RetryFailedAuthorizations re-attempts failed authorizations and cancels
// bookings past their payment deadline
func (m *CronManager) RetryFailedAuthorizations() {
	jobName := "retry_failed_authorizations"
	ctx, cancel := sweepContext()
	defer cancel()

	summary := m.orchestrator.RetryFailedAuthorizations(ctx)
	m.logJobComplete(jobName, summarize(summary))
}

// SweepImmediateAuthTimeouts cancels immediate-auth bookings whose 30-minute
// deadline passed without a successful authorization
func (m *CronManager) SweepImmediateAuthTimeouts() {
	jobName := "sweep_immediate_auth_timeouts"
	ctx, cancel := sweepContext()
	defer cancel()

	summary := m.orchestrator.SweepImmediateAuthTimeouts(ctx)
	m.logJobComplete(jobName, summarize(summary))
}

// CaptureCompletedLessons captures held funds for lessons that have ended
func (m *CronManager) CaptureCompletedLessons() {
	jobName := "capture_completed_lessons"
	ctx, cancel := sweepContext()
	defer cancel()

	summary := m.orchestrator.CaptureCompletedLessons(ctx)
	m.logJobComplete(jobName, summarize(summary))
}

// RetryFailedCaptures retries failed captures and escalates stale ones
func (m *CronManager) RetryFailedCaptures() {
	jobName := "retry_failed_captures"
	ctx, cancel := sweepContext()
	defer cancel()

	summary := m.orchestrator.RetryFailedCaptures(ctx)
	m.logJobComplete(jobName, summarize(summary))
}

// ExpireOldCredits flips available credits past their expiration to expired
func (m *CronManager) ExpireOldCredits() {
	jobName := "expire_old_credits"
	ctx, cancel := sweepContext()
	defer cancel()

	expired, err := m.credits.ExpireOldCredits(ctx)
	if err != nil {
		m.logJobError(jobName, err)
		return
	}
	m.logJobComplete(jobName, fmt.Sprintf("expired %d credits", expired))
}

// CleanupExpiredTokens removes expired entries from the JWT blacklist
func (m *CronManager) CleanupExpiredTokens() {
	jobName := "cleanup_expired_tokens"
	ctx, cancel := sweepContext()
	defer cancel()

	if err := m.blacklist.CleanupExpiredTokens(ctx); err != nil {
		m.logJobError(jobName, err)
		return
	}
	m.logJobComplete(jobName, "expired blacklist entries removed")
}

// CleanupOldJobLogs deletes cron execution logs older than 30 days
func (m *CronManager) CleanupOldJobLogs() {
	jobName := "cleanup_old_job_logs"

	cutoff := time.Now().AddDate(0, 0, -30)
	result := m.db.Unscoped().Where("created_at < ?", cutoff).Delete(&model.CronJobLog{})
	if result.Error != nil {
		m.logJobError(jobName, result.Error)
		return
	}
	m.logJobComplete(jobName, fmt.Sprintf("deleted %d old job logs", result.RowsAffected))
}
