package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"hedgesystem/src/model"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}

func TestPositionFindByIDNotFound(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &PositionRepository{db: mockDB}

	mock.ExpectQuery(`SELECT \* FROM "positions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "symbol", "status"}))

	position, err := repo.FindByID(context.Background(), 99)
	if err != nil {
		t.Fatalf("not-found must not be an error, got: %v", err)
	}
	if position != nil {
		t.Fatalf("expected nil position, got %+v", position)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPositionFindByIDFound(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &PositionRepository{db: mockDB}

	createdAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "account_id", "symbol", "volume", "direction", "status", "trail_width", "version", "created_at", "updated_at"}).
		AddRow(uint(5), uint(1), "USDJPY", 0.5, model.DirectionBuy, model.PositionStatusOpen, 20.0, uint(3), createdAt, createdAt)

	mock.ExpectQuery(`SELECT \* FROM "positions"`).
		WillReturnRows(rows)

	position, err := repo.FindByID(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if position == nil || position.Symbol != "USDJPY" || position.Version != 3 {
		t.Fatalf("unexpected position: %+v", position)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPositionUpdateTransitionStaleVersion(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &PositionRepository{db: mockDB}

	position := &model.Position{ID: 5, Status: model.PositionStatusOpen, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "positions" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // version race: no row matched
	mock.ExpectCommit()

	err := repo.UpdateTransition(context.Background(), position, map[string]interface{}{
		"status": model.PositionStatusClosing,
	})
	if !errors.Is(err, model.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got: %v", err)
	}
	if position.Version != 3 {
		t.Fatalf("version must not advance on a lost race, got %d", position.Version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPositionMarkOpeningWithEntryAction(t *testing.T) {
	db := newTestDB(t)
	repo := (&PositionRepository{}).WithDB(db)
	ctx := context.Background()

	position := &model.Position{
		AccountID: 1,
		Symbol:    "USDJPY",
		Volume:    0.5,
		Direction: model.DirectionBuy,
		Status:    model.PositionStatusPending,
	}
	if err := db.Create(position).Error; err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}

	params, err := model.EncodeEntryParams(model.EntryParams{
		Symbol:    position.Symbol,
		Volume:    position.Volume,
		Direction: position.Direction,
	})
	if err != nil {
		t.Fatalf("failed to encode params: %v", err)
	}
	action := &model.Action{
		Type:        model.ActionTypeEntry,
		Status:      model.ActionStatusPending,
		TriggerType: model.TriggerTypeManual,
		MaxRetries:  model.DefaultMaxRetries,
		Parameters:  params,
	}

	if err := repo.MarkOpeningWithEntryAction(ctx, position, action); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var storedPosition model.Position
	if err := db.First(&storedPosition, position.ID).Error; err != nil {
		t.Fatalf("reload position: %v", err)
	}
	if storedPosition.Status != model.PositionStatusOpening {
		t.Fatalf("expected OPENING, got %s", storedPosition.Status)
	}
	if storedPosition.Version != 1 {
		t.Fatalf("expected version bump to 1, got %d", storedPosition.Version)
	}

	var storedAction model.Action
	if err := db.First(&storedAction, action.ID).Error; err != nil {
		t.Fatalf("reload action: %v", err)
	}
	if storedAction.PositionID != position.ID || storedAction.AccountID != position.AccountID {
		t.Fatalf("entry action not bound to its position: %+v", storedAction)
	}
}

func TestPositionMarkOpeningStaleVersionRollsBackAction(t *testing.T) {
	db := newTestDB(t)
	repo := (&PositionRepository{}).WithDB(db)
	ctx := context.Background()

	position := &model.Position{
		AccountID: 1,
		Symbol:    "USDJPY",
		Volume:    0.5,
		Direction: model.DirectionBuy,
		Status:    model.PositionStatusPending,
	}
	if err := db.Create(position).Error; err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}

	stale := *position
	stale.Version = position.Version + 7

	err := repo.MarkOpeningWithEntryAction(ctx, &stale, &model.Action{
		Type:        model.ActionTypeEntry,
		Status:      model.ActionStatusPending,
		TriggerType: model.TriggerTypeManual,
		MaxRetries:  model.DefaultMaxRetries,
	})
	if !errors.Is(err, model.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got: %v", err)
	}

	// The whole transaction rolled back: no orphaned entry action.
	var count int64
	if err := db.Model(&model.Action{}).Where("position_id = ?", position.ID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no action rows after rollback, got %d", count)
	}
}

func TestPositionUpdateTransitionSuccessBumpsVersion(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &PositionRepository{db: mockDB}

	position := &model.Position{ID: 5, Status: model.PositionStatusOpen, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "positions" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateTransition(context.Background(), position, map[string]interface{}{
		"status": model.PositionStatusClosing,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if position.Version != 4 {
		t.Fatalf("expected version 4 after the write, got %d", position.Version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
