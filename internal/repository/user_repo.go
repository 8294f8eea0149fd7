package repository

import (
	"context"
	"fmt"

	"docsync/internal/models"

	"gorm.io/gorm"
)

// UserDirectoryImpl resolves user display information. User identity is
// owned by an external system; this repository only reads.
type UserDirectoryImpl struct {
	db *gorm.DB
}

// NewUserDirectory creates a new user directory.
func NewUserDirectory(db *gorm.DB) *UserDirectoryImpl {
	return &UserDirectoryImpl{db: db}
}

// GetUserInfo looks up a user's profile by id.
func (r *UserDirectoryImpl) GetUserInfo(ctx context.Context, userID string) (*models.UserInfo, error) {
	var rec models.UserRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", userID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("user not found: %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &models.UserInfo{ID: rec.ID, Email: rec.Email, Name: rec.Name}, nil
}
