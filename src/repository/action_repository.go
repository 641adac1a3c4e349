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

// ActionRepository handles read/write operations for actions. Actions are
// never deleted; the table is the execution audit trail.
type ActionRepository struct {
	db *gorm.DB
}

// NewActionRepository creates a new repository instance using the main
// read/write database.
func NewActionRepository() *ActionRepository {
	logger.WithField("component", "ActionRepository").
		Info("Creating new ActionRepository with MainDB")

	return &ActionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ActionRepository) WithDB(db *gorm.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// Create inserts a new action.
func (r *ActionRepository) Create(ctx context.Context, action *model.Action) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "ActionRepository",
		"op":          "Create",
		"position_id": action.PositionID,
		"type":        action.Type,
		"trigger":     action.TriggerType,
	}).Debug("Creating new action")

	if err := r.db.WithContext(ctx).Create(action).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ActionRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create action")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "ActionRepository",
		"op":        "Create",
		"action_id": action.ID,
	}).Info("Action created successfully")

	return nil
}

// FindByID fetches a single action by its primary ID.
// Returns (nil, nil) if the action is not found.
func (r *ActionRepository) FindByID(ctx context.Context, id uint) (*model.Action, error) {
	var action model.Action

	err := r.db.WithContext(ctx).First(&action, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "ActionRepository",
				"op":   "FindByID",
				"id":   id,
			}).Info("Action not found")
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "ActionRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch action by ID")
		return nil, err
	}

	return &action, nil
}

// FirstPendingForPosition returns the oldest PENDING action of a position,
// or (nil, nil) when none is queued. Dispatch order is creation order.
func (r *ActionRepository) FirstPendingForPosition(ctx context.Context, positionID uint) (*model.Action, error) {
	var action model.Action

	err := r.db.WithContext(ctx).
		Where("position_id = ? AND status = ?", positionID, model.ActionStatusPending).
		Order("id ASC").
		First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":        "ActionRepository",
			"op":          "FirstPendingForPosition",
			"position_id": positionID,
		}).WithError(err).Error("Failed to fetch first pending action")
		return nil, err
	}

	return &action, nil
}

// CountExecutingForPosition counts sibling actions currently EXECUTING.
// Dispatch refuses to start a second one.
func (r *ActionRepository) CountExecutingForPosition(ctx context.Context, positionID uint) (int64, error) {
	var count int64

	err := r.db.WithContext(ctx).
		Model(&model.Action{}).
		Where("position_id = ? AND status = ?", positionID, model.ActionStatusExecuting).
		Count(&count).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "ActionRepository",
			"op":          "CountExecutingForPosition",
			"position_id": positionID,
		}).WithError(err).Error("Failed to count executing actions")
		return 0, err
	}

	return count, nil
}

// ListPendingForAccounts returns all PENDING actions for the given accounts
// in creation order. Used to replay work when an execution client reconnects.
func (r *ActionRepository) ListPendingForAccounts(ctx context.Context, accountIDs []uint) ([]model.Action, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}

	var actions []model.Action

	err := r.db.WithContext(ctx).
		Where("account_id IN ? AND status = ?", accountIDs, model.ActionStatusPending).
		Order("id ASC").
		Find(&actions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ActionRepository",
			"op":   "ListPendingForAccounts",
		}).WithError(err).Error("Failed to list pending actions for accounts")
		return nil, err
	}

	return actions, nil
}

// ListByPosition returns every action of a position in creation order,
// including FAILED rows. The full chain is the position's execution history.
func (r *ActionRepository) ListByPosition(ctx context.Context, positionID uint) ([]model.Action, error) {
	var actions []model.Action

	err := r.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("id ASC").
		Find(&actions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "ActionRepository",
			"op":          "ListByPosition",
			"position_id": positionID,
		}).WithError(err).Error("Failed to list actions for position")
		return nil, err
	}

	return actions, nil
}

// FindPendingCloseByTrigger returns the pre-registered PENDING CLOSE action
// whose trigger is the given position, or (nil, nil) when none exists.
func (r *ActionRepository) FindPendingCloseByTrigger(ctx context.Context, triggerPositionID uint) (*model.Action, error) {
	var action model.Action

	err := r.db.WithContext(ctx).
		Where("trigger_position_id = ? AND type = ? AND status = ?",
			triggerPositionID, model.ActionTypeClose, model.ActionStatusPending).
		Order("id ASC").
		First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":                "ActionRepository",
			"op":                  "FindPendingCloseByTrigger",
			"trigger_position_id": triggerPositionID,
		}).WithError(err).Error("Failed to fetch pending close action by trigger")
		return nil, err
	}

	return &action, nil
}

// UpdateTransition persists an action status change with an optimistic
// version check, same contract as PositionRepository.UpdateTransition.
func (r *ActionRepository) UpdateTransition(
	ctx context.Context,
	action *model.Action,
	fields map[string]interface{},
) error {
	fields["version"] = action.Version + 1

	res := r.db.WithContext(ctx).
		Model(&model.Action{}).
		Where("id = ? AND version = ?", action.ID, action.Version).
		Updates(fields)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "ActionRepository",
			"op":        "UpdateTransition",
			"action_id": action.ID,
		}).WithError(res.Error).Error("Failed to update action")
		return res.Error
	}

	if res.RowsAffected == 0 {
		logger.WithFields(map[string]interface{}{
			"repo":      "ActionRepository",
			"op":        "UpdateTransition",
			"action_id": action.ID,
			"version":   action.Version,
		}).Warn("Action transition lost the version race")
		return model.ErrStaleVersion
	}

	action.Version++

	logger.WithFields(map[string]interface{}{
		"repo":      "ActionRepository",
		"op":        "UpdateTransition",
		"action_id": action.ID,
		"status":    fields["status"],
	}).Info("Action transition persisted")

	return nil
}

// MarkExecutingWithPositionClosing starts a CLOSE action and flips its
// position to CLOSING in one transaction. A position already CLOSING (e.g.
// the admin requested the close first) is left as is.
func (r *ActionRepository) MarkExecutingWithPositionClosing(
	ctx context.Context,
	action *model.Action,
	exitReason string,
) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "ActionRepository",
		"op":          "MarkExecutingWithPositionClosing",
		"action_id":   action.ID,
		"position_id": action.PositionID,
	}).Debug("Starting close action with position transition")

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Action{}).
			Where("id = ? AND version = ?", action.ID, action.Version).
			Updates(map[string]interface{}{
				"status":  model.ActionStatusExecuting,
				"version": action.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrStaleVersion
		}

		var position model.Position
		if err := tx.First(&position, action.PositionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &model.NotFoundError{Entity: "position", ID: action.PositionID}
			}
			return err
		}

		if position.Status == model.PositionStatusClosing {
			return nil
		}

		if !model.CanTransitionPosition(position.Status, model.PositionStatusClosing) {
			return &model.InvalidStateError{
				Entity: "position",
				ID:     position.ID,
				From:   position.Status,
				To:     model.PositionStatusClosing,
			}
		}

		res = tx.Model(&model.Position{}).
			Where("id = ? AND version = ?", position.ID, position.Version).
			Updates(map[string]interface{}{
				"status":      model.PositionStatusClosing,
				"exit_reason": exitReason,
				"version":     position.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrStaleVersion
		}

		return nil
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "ActionRepository",
			"op":        "MarkExecutingWithPositionClosing",
			"action_id": action.ID,
		}).WithError(err).Error("Failed to start close action")
		return err
	}

	action.Version++
	action.Status = model.ActionStatusExecuting

	return nil
}

// CloneForRetry marks the failed action FAILED and inserts a fresh PENDING
// clone in one transaction, preserving the failed row as audit history. The
// clone carries retryCount+1 so retries stay bounded by MaxRetries.
func (r *ActionRepository) CloneForRetry(
	ctx context.Context,
	failed *model.Action,
	errorMessage string,
) (*model.Action, error) {
	logger.WithFields(map[string]interface{}{
		"repo":      "ActionRepository",
		"op":        "CloneForRetry",
		"action_id": failed.ID,
		"retry":     failed.RetryCount + 1,
	}).Info("Cloning failed action for retry")

	clone := &model.Action{
		AccountID:         failed.AccountID,
		PositionID:        failed.PositionID,
		TriggerPositionID: failed.TriggerPositionID,
		StrategyID:        failed.StrategyID,
		Type:              failed.Type,
		Status:            model.ActionStatusPending,
		TriggerType:       failed.TriggerType,
		RetryCount:        failed.RetryCount + 1,
		MaxRetries:        failed.MaxRetries,
		Parameters:        failed.Parameters,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Action{}).
			Where("id = ? AND version = ?", failed.ID, failed.Version).
			Updates(map[string]interface{}{
				"status":        model.ActionStatusFailed,
				"error_message": errorMessage,
				"version":       failed.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrStaleVersion
		}

		return tx.Create(clone).Error
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "ActionRepository",
			"op":        "CloneForRetry",
			"action_id": failed.ID,
		}).WithError(err).Error("Failed to clone action for retry")
		return nil, err
	}

	failed.Version++
	failed.Status = model.ActionStatusFailed

	return clone, nil
}

// MarkExecutedWithPositionClose finalizes an EXECUTED CLOSE action and closes
// its position in one transaction: either both rows commit or neither does,
// so an EXECUTED action can never dangle on a position still shown CLOSING.
func (r *ActionRepository) MarkExecutedWithPositionClose(
	ctx context.Context,
	action *model.Action,
	result string,
	exitPrice float64,
	exitTime time.Time,
	exitReason string,
	outcome model.CloseOutcome,
) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "ActionRepository",
		"op":          "MarkExecutedWithPositionClose",
		"action_id":   action.ID,
		"position_id": action.PositionID,
		"outcome":     outcome,
	}).Info("Finalizing executed close action with position close")

	status := model.PositionStatusClosed
	if outcome == model.CloseOutcomeStopped {
		status = model.PositionStatusStopped
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Action{}).
			Where("id = ? AND version = ?", action.ID, action.Version).
			Updates(map[string]interface{}{
				"status":  model.ActionStatusExecuted,
				"result":  result,
				"version": action.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrStaleVersion
		}

		var position model.Position
		if err := tx.First(&position, action.PositionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &model.NotFoundError{Entity: "position", ID: action.PositionID}
			}
			return err
		}

		if !model.CanTransitionPosition(position.Status, status) {
			return &model.InvalidStateError{
				Entity: "position",
				ID:     position.ID,
				From:   position.Status,
				To:     status,
			}
		}

		res = tx.Model(&model.Position{}).
			Where("id = ? AND version = ?", position.ID, position.Version).
			Updates(map[string]interface{}{
				"status":      status,
				"exit_price":  exitPrice,
				"exit_time":   exitTime,
				"exit_reason": exitReason,
				"version":     position.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrStaleVersion
		}

		return nil
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "ActionRepository",
			"op":        "MarkExecutedWithPositionClose",
			"action_id": action.ID,
		}).WithError(err).Error("Failed to finalize close action")
		return err
	}

	action.Version++
	action.Status = model.ActionStatusExecuted

	return nil
}
