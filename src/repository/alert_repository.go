package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"hedgesystem/src/database"
	"hedgesystem/src/model"
)

// AlertRepository persists operator-visible alerts.
type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository() *AlertRepository {
	logger.WithField("component", "AlertRepository").
		Info("Creating new AlertRepository with MainDB")

	return &AlertRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *AlertRepository) WithDB(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create inserts a new alert.
func (r *AlertRepository) Create(ctx context.Context, alert *model.Alert) error {
	logger.WithFields(map[string]interface{}{
		"repo":    "AlertRepository",
		"op":      "Create",
		"kind":    alert.Kind,
		"user_id": alert.UserID,
	}).Info("Persisting alert")

	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "AlertRepository",
			"op":   "Create",
			"kind": alert.Kind,
		}).WithError(err).Error("Failed to persist alert")
		return err
	}

	return nil
}

// FindByID fetches a single alert. Returns (nil, nil) if not found.
func (r *AlertRepository) FindByID(ctx context.Context, id uint) (*model.Alert, error) {
	var alert model.Alert

	err := r.db.WithContext(ctx).First(&alert, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "AlertRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch alert by ID")
		return nil, err
	}

	return &alert, nil
}

// ListUnacknowledged returns open alerts for a user, newest first.
func (r *AlertRepository) ListUnacknowledged(ctx context.Context, userID uint, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	var alerts []model.Alert

	err := r.db.WithContext(ctx).
		Where("user_id = ? AND acknowledged = ?", userID, false).
		Order("id DESC").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "AlertRepository",
			"op":      "ListUnacknowledged",
			"user_id": userID,
		}).WithError(err).Error("Failed to list alerts")
		return nil, err
	}

	return alerts, nil
}

// Acknowledge marks an alert as handled.
func (r *AlertRepository) Acknowledge(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Model(&model.Alert{}).
		Where("id = ?", id).
		Update("acknowledged", true).Error
}
