package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lessonloop/lessonloop-api/model"
)

// NotificationService handles in-app user notifications
type NotificationService struct {
	db *gorm.DB
}

// NewNotificationService creates a new notification service
func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

// CreateNotificationRequest represents a request to create a notification
type CreateNotificationRequest struct {
	UserID    uint
	Type      model.NotificationType
	Category  model.NotificationCategory
	Title     string
	Message   string
	BookingID *uint
	Metadata  *model.NotificationMetadata
}

// ListNotificationsOptions represents options for listing notifications
type ListNotificationsOptions struct {
	UserID     uint
	UnreadOnly bool
	Limit      int
	Offset     int
}

// CreateNotification creates a new notification for a user
func (s *NotificationService) CreateNotification(ctx context.Context, req CreateNotificationRequest) (*model.UserNotification, error) {
	notification := &model.UserNotification{
		UserID:    req.UserID,
		Type:      req.Type,
		Category:  req.Category,
		Title:     req.Title,
		Message:   req.Message,
		Read:      false,
		BookingID: req.BookingID,
	}

	// Serialize metadata if provided
	if req.Metadata != nil {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		notification.Metadata = datatypes.JSON(metadataJSON)
	}

	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	log.Printf("Created notification %d for user %d: %s", notification.ID, req.UserID, req.Title)
	return notification, nil
}

// NotifyPaymentFailed records an actionable payment-failure notification
func (s *NotificationService) NotifyPaymentFailed(ctx context.Context, userID, bookingID uint, captureError string) {
	msg := "We couldn't charge your card for an upcoming lesson. Please update your payment method."
	if captureError != "" {
		msg = fmt.Sprintf("Payment failed: %s. Please update your payment method.", captureError)
	}
	_, err := s.CreateNotification(ctx, CreateNotificationRequest{
		UserID:    userID,
		Type:      model.NotificationTypeError,
		Category:  model.NotificationCategoryPaymentFailed,
		Title:     "Payment failed",
		Message:   msg,
		BookingID: &bookingID,
		Metadata:  &model.NotificationMetadata{BookingID: bookingID, CaptureError: captureError},
	})
	if err != nil {
		// Best-effort: a failed notification never blocks the payment pipeline.
		log.Printf("Failed to create payment-failed notification for user %d: %v", userID, err)
	}
}

// NotifyBookingCancelled records that a booking was cancelled and what the
// student got back.
func (s *NotificationService) NotifyBookingCancelled(ctx context.Context, userID, bookingID uint, outcome string, creditCents int64) {
	msg := "Your lesson was cancelled."
	if creditCents > 0 {
		msg = fmt.Sprintf("Your lesson was cancelled. %d credits were added to your balance.", creditCents)
	}
	_, err := s.CreateNotification(ctx, CreateNotificationRequest{
		UserID:    userID,
		Type:      model.NotificationTypeWarning,
		Category:  model.NotificationCategoryBookingCancelled,
		Title:     "Booking cancelled",
		Message:   msg,
		BookingID: &bookingID,
		Metadata:  &model.NotificationMetadata{BookingID: bookingID, CreditCents: creditCents, SettlementOutcome: outcome},
	})
	if err != nil {
		log.Printf("Failed to create cancellation notification for user %d: %v", userID, err)
	}
}

// GetNotificationsByUser retrieves notifications for a user
func (s *NotificationService) GetNotificationsByUser(ctx context.Context, opts ListNotificationsOptions) ([]model.UserNotification, int64, error) {
	var notifications []model.UserNotification
	var total int64

	query := s.db.WithContext(ctx).Model(&model.UserNotification{}).Where("user_id = ?", opts.UserID)
	if opts.UnreadOnly {
		query = query.Where("read = ?", false)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	err := query.Order("created_at DESC").Limit(limit).Offset(opts.Offset).Find(&notifications).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}

	return notifications, total, nil
}

// GetUnreadCount returns the number of unread notifications for a user
func (s *NotificationService) GetUnreadCount(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.UserNotification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkAsRead marks a notification as read
func (s *NotificationService) MarkAsRead(ctx context.Context, userID, notificationID uint) error {
	result := s.db.WithContext(ctx).Model(&model.UserNotification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("read", true)
	if result.Error != nil {
		return fmt.Errorf("failed to mark notification read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notification not found")
	}
	return nil
}
