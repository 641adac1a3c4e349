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

// PositionRepository handles read/write operations for positions.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main
// read/write database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts a new position.
func (r *PositionRepository) Create(ctx context.Context, position *model.Position) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "Create",
		"symbol": position.Symbol,
		"side":   position.Direction,
		"volume": position.Volume,
	}).Debug("Creating new position")

	if err := r.db.WithContext(ctx).Create(position).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create position")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Create",
		"position_id": position.ID,
	}).Info("Position created successfully")

	return nil
}

// CreateWithCloseAction inserts a position together with its pre-registered
// CLOSE action in a single transaction. Used for trailWidth > 0 positions so
// the trail trigger path never waits on action creation.
func (r *PositionRepository) CreateWithCloseAction(
	ctx context.Context,
	position *model.Position,
	action *model.Action,
) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "PositionRepository",
		"op":     "CreateWithCloseAction",
		"symbol": position.Symbol,
		"trail":  position.TrailWidth,
	}).Info("Creating position with pre-registered close action")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(position).Error; err != nil {
			logger.WithError(err).Error("Failed to create position inside transaction")
			return err
		}

		action.AccountID = position.AccountID
		action.PositionID = position.ID
		trigger := position.ID
		action.TriggerPositionID = &trigger

		if err := tx.Create(action).Error; err != nil {
			logger.WithError(err).Error("Failed to create pre-registered close action")
			return err
		}

		return nil
	})
}

// MarkOpeningWithEntryAction flips a PENDING position to OPENING and inserts
// its ENTRY action in a single transaction, so a crash between the two can
// never strand an OPENING position with nothing for the client to execute.
// The status write carries the optimistic version check.
func (r *PositionRepository) MarkOpeningWithEntryAction(
	ctx context.Context,
	position *model.Position,
	action *model.Action,
) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "MarkOpeningWithEntryAction",
		"position_id": position.ID,
		"version":     position.Version,
	}).Debug("Marking position opening with entry action")

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Position{}).
			Where("id = ? AND version = ?", position.ID, position.Version).
			Updates(map[string]interface{}{
				"status":  model.PositionStatusOpening,
				"version": position.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrStaleVersion
		}

		action.AccountID = position.AccountID
		action.PositionID = position.ID

		return tx.Create(action).Error
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "MarkOpeningWithEntryAction",
			"position_id": position.ID,
		}).WithError(err).Error("Failed to mark position opening")
		return err
	}

	position.Status = model.PositionStatusOpening
	position.Version++

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "MarkOpeningWithEntryAction",
		"position_id": position.ID,
		"action_id":   action.ID,
	}).Info("Position opening with entry action queued")

	return nil
}

// FindByID fetches a single position by its primary ID.
// Returns (nil, nil) if the position is not found.
func (r *PositionRepository) FindByID(ctx context.Context, id uint) (*model.Position, error) {
	var position model.Position

	err := r.db.WithContext(ctx).First(&position, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "PositionRepository",
				"op":   "FindByID",
				"id":   id,
			}).Info("Position not found")
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch position by ID")
		return nil, err
	}

	return &position, nil
}

// ListByAccount returns all positions of an account, newest first, optionally
// filtered by status.
func (r *PositionRepository) ListByAccount(
	ctx context.Context,
	accountID uint,
	status string,
) ([]model.Position, error) {
	query := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var positions []model.Position
	if err := query.Order("created_at DESC, id DESC").Find(&positions).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "PositionRepository",
			"op":         "ListByAccount",
			"account_id": accountID,
		}).WithError(err).Error("Failed to list positions by account")
		return nil, err
	}

	return positions, nil
}

// ListOpenBySymbol returns all OPEN positions for a symbol, across accounts.
// The trail monitor walks this set on every price update.
func (r *PositionRepository) ListOpenBySymbol(ctx context.Context, symbol string) ([]model.Position, error) {
	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, model.PositionStatusOpen).
		Order("id ASC").
		Find(&positions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "ListOpenBySymbol",
			"symbol": symbol,
		}).WithError(err).Error("Failed to list open positions by symbol")
		return nil, err
	}

	return positions, nil
}

// ListOpenByAccount returns the OPEN positions of one account, largest volume
// first. The margin monitor closes from the top of this list.
func (r *PositionRepository) ListOpenByAccount(ctx context.Context, accountID uint) ([]model.Position, error) {
	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, model.PositionStatusOpen).
		Order("volume DESC, id ASC").
		Find(&positions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "PositionRepository",
			"op":         "ListOpenByAccount",
			"account_id": accountID,
		}).WithError(err).Error("Failed to list open positions by account")
		return nil, err
	}

	return positions, nil
}

// ListPendingOlderThan returns PENDING positions created before cutoff.
// Feeds the opportunistic expiry sweep.
func (r *PositionRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]model.Position, error) {
	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.PositionStatusPending, cutoff).
		Order("id ASC").
		Find(&positions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "ListPendingOlderThan",
		}).WithError(err).Error("Failed to list stale pending positions")
		return nil, err
	}

	return positions, nil
}

// UpdateTransition persists a status transition with an optimistic version
// check. Returns model.ErrStaleVersion when a concurrent writer already
// advanced the row.
func (r *PositionRepository) UpdateTransition(
	ctx context.Context,
	position *model.Position,
	fields map[string]interface{},
) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "UpdateTransition",
		"position_id": position.ID,
		"status":      fields["status"],
		"version":     position.Version,
	}).Debug("Updating position transition")

	fields["version"] = position.Version + 1

	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND version = ?", position.ID, position.Version).
		Updates(fields)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "UpdateTransition",
			"position_id": position.ID,
		}).WithError(res.Error).Error("Failed to update position")
		return res.Error
	}

	if res.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "UpdateTransition",
			"position_id": position.ID,
			"version":     position.Version,
		}).Warn("Position transition lost the version race")
		return model.ErrStaleVersion
	}

	position.Version++

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "UpdateTransition",
		"position_id": position.ID,
		"status":      fields["status"],
	}).Info("Position transition persisted")

	return nil
}

// UpdateCurrentPrice refreshes the informational price/PL snapshot, and the
// trailing high-water mark when the monitor tracks one. No version bump:
// snapshots never race with transitions in a way that matters.
func (r *PositionRepository) UpdateCurrentPrice(
	ctx context.Context,
	id uint,
	price float64,
	unrealizedPL float64,
	trailMark *float64,
) error {
	fields := map[string]interface{}{
		"current_price": price,
		"unrealized_pl": unrealizedPL,
	}
	if trailMark != nil {
		fields["trail_mark"] = *trailMark
	}

	err := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "UpdateCurrentPrice",
			"position_id": id,
		}).WithError(err).Error("Failed to update current price")
	}
	return err
}
