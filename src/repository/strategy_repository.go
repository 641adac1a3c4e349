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

// StrategyRepository handles read/write operations for strategies.
type StrategyRepository struct {
	db *gorm.DB
}

func NewStrategyRepository() *StrategyRepository {
	logger.WithField("component", "StrategyRepository").
		Info("Creating new StrategyRepository with MainDB")

	return &StrategyRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *StrategyRepository) WithDB(db *gorm.DB) *StrategyRepository {
	return &StrategyRepository{db: db}
}

// Create inserts a new strategy.
func (r *StrategyRepository) Create(ctx context.Context, strategy *model.Strategy) error {
	if err := r.db.WithContext(ctx).Create(strategy).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "StrategyRepository",
			"op":   "Create",
			"name": strategy.Name,
		}).WithError(err).Error("Failed to create strategy")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "StrategyRepository",
		"op":          "Create",
		"strategy_id": strategy.ID,
	}).Info("Strategy created successfully")

	return nil
}

// FindByID fetches a strategy by primary ID. Returns (nil, nil) if not found.
func (r *StrategyRepository) FindByID(ctx context.Context, id uint) (*model.Strategy, error) {
	var strategy model.Strategy

	err := r.db.WithContext(ctx).First(&strategy, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "StrategyRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch strategy by ID")
		return nil, err
	}

	return &strategy, nil
}

// ListActiveByUser returns a user's active strategies.
func (r *StrategyRepository) ListActiveByUser(ctx context.Context, userID uint) ([]model.Strategy, error) {
	var strategies []model.Strategy

	err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("id ASC").
		Find(&strategies).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "StrategyRepository",
			"op":      "ListActiveByUser",
			"user_id": userID,
		}).WithError(err).Error("Failed to list active strategies")
		return nil, err
	}

	return strategies, nil
}

// TouchExecuted stamps the last execution time of a strategy.
func (r *StrategyRepository) TouchExecuted(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Model(&model.Strategy{}).
		Where("id = ?", id).
		Update("last_executed_at", time.Now()).Error
}
