package auth

import (
	"context"
	"time"

	"github.com/lessonloop/lessonloop-api/model"
	"gorm.io/gorm"
)

// BlacklistService handles JWT token revocation
type BlacklistService struct {
	db *gorm.DB
}

// NewBlacklistService creates a new blacklist service
func NewBlacklistService(db *gorm.DB) *BlacklistService {
	return &BlacklistService{db: db}
}

// RevokeToken adds a token to the blacklist
func (s *BlacklistService) RevokeToken(ctx context.Context, jti string, userID uint, expiresAt time.Time, reason string) error {
	blacklistEntry := model.JWTTokenBlacklist{
		Token:     jti,
		UserID:    userID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}

	return s.db.WithContext(ctx).Create(&blacklistEntry).Error
}

// IsTokenRevoked checks if a token is in the blacklist
func (s *BlacklistService) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.JWTTokenBlacklist{}).
		Where("token = ? AND expires_at > ?", jti, time.Now()).
		Count(&count).
		Error

	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// CleanupExpiredTokens removes expired entries from the blacklist
func (s *BlacklistService) CleanupExpiredTokens(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&model.JWTTokenBlacklist{}).
		Error
}
