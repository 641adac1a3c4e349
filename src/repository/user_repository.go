package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"hedgesystem/src/database"
	"hedgesystem/src/model"
)

type GormUserRepository struct {
	db *gorm.DB
}

func NewUserRepository() *GormUserRepository {
	logger.WithField("component", "GormUserRepository").
		Info("Creating new GormUserRepository with MainDB")

	return &GormUserRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *GormUserRepository) WithDB(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

func (r *GormUserRepository) GetUserByUserName(ctx context.Context, userName string) (*model.User, error) {
	var u model.User

	err := r.db.WithContext(ctx).
		Where("user_name = ?", userName).
		First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &u, nil
}

// FindByID fetches a user by primary ID. Returns (nil, nil) if not found.
func (r *GormUserRepository) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var u model.User

	err := r.db.WithContext(ctx).First(&u, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "GormUserRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch user by ID")
		return nil, err
	}

	return &u, nil
}

// SetPCStatus records execution-client connectivity for a user. Driven by
// gateway connect/disconnect events and heartbeats.
func (r *GormUserRepository) SetPCStatus(ctx context.Context, id uint, status, pcID string, seen time.Time) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "GormUserRepository",
		"op":      "SetPCStatus",
		"user_id": id,
		"status":  status,
	}).Debug("Updating user PC status")

	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"pc_status": status,
			"pc_id":     pcID,
			"last_seen": seen,
		}).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "GormUserRepository",
			"op":      "SetPCStatus",
			"user_id": id,
		}).WithError(err).Error("Failed to update user PC status")
	}
	return err
}
