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

// AccountRepository handles read/write operations for broker accounts.
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository() *AccountRepository {
	logger.WithField("component", "AccountRepository").
		Info("Creating new AccountRepository with MainDB")

	return &AccountRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *AccountRepository) WithDB(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// FindByID fetches an account by its primary ID.
// Returns (nil, nil) if the account is not found.
func (r *AccountRepository) FindByID(ctx context.Context, id uint) (*model.Account, error) {
	var account model.Account

	err := r.db.WithContext(ctx).First(&account, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo": "AccountRepository",
				"op":   "FindByID",
				"id":   id,
			}).Info("Account not found")
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo": "AccountRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch account by ID")
		return nil, err
	}

	return &account, nil
}

// FindByNumber fetches an account by broker account number.
// Returns (nil, nil) if not found.
func (r *AccountRepository) FindByNumber(ctx context.Context, accountNumber string) (*model.Account, error) {
	var account model.Account

	err := r.db.WithContext(ctx).
		Where("account_number = ?", accountNumber).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":           "AccountRepository",
			"op":             "FindByNumber",
			"account_number": accountNumber,
		}).WithError(err).Error("Failed to fetch account by number")
		return nil, err
	}

	return &account, nil
}

// ListByUser returns all accounts owned by a user.
func (r *AccountRepository) ListByUser(ctx context.Context, userID uint) ([]model.Account, error) {
	var accounts []model.Account

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "AccountRepository",
			"op":      "ListByUser",
			"user_id": userID,
		}).WithError(err).Error("Failed to list accounts by user")
		return nil, err
	}

	return accounts, nil
}

// UpdateSnapshot stores the balance/equity/margin snapshot pushed by the
// execution client. Snapshots are informational and overwrite blindly.
func (r *AccountRepository) UpdateSnapshot(
	ctx context.Context,
	id uint,
	balance, equity, margin, marginLevel float64,
	at time.Time,
) error {
	logger.WithFields(map[string]interface{}{
		"repo":         "AccountRepository",
		"op":           "UpdateSnapshot",
		"account_id":   id,
		"margin_level": marginLevel,
	}).Debug("Updating account snapshot")

	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"balance":      balance,
			"equity":       equity,
			"margin":       margin,
			"margin_level": marginLevel,
			"snapshot_at":  at,
		}).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "AccountRepository",
			"op":         "UpdateSnapshot",
			"account_id": id,
		}).WithError(err).Error("Failed to update account snapshot")
		return err
	}

	return nil
}

// SetEmergencyMode flips the emergency flag for an account.
func (r *AccountRepository) SetEmergencyMode(ctx context.Context, id uint, emergency bool) error {
	logger.WithFields(map[string]interface{}{
		"repo":       "AccountRepository",
		"op":         "SetEmergencyMode",
		"account_id": id,
		"emergency":  emergency,
	}).Warn("Setting account emergency mode")

	return r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", id).
		Update("emergency_mode", emergency).Error
}

// SetConnectivity records the execution-client connectivity of an account.
func (r *AccountRepository) SetConnectivity(ctx context.Context, id uint, status, pcID string) error {
	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": status,
			"pc_id":  pcID,
		}).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "AccountRepository",
			"op":         "SetConnectivity",
			"account_id": id,
			"status":     status,
		}).WithError(err).Error("Failed to update account connectivity")
	}
	return err
}
