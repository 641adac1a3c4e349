package lifecycle

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/feed"
	"hedgesystem/src/model"
)

// PositionStore is the persistence contract the manager needs for positions.
// Implemented by repository.PositionRepository; tests use in-memory fakes.
type PositionStore interface {
	Create(ctx context.Context, position *model.Position) error
	CreateWithCloseAction(ctx context.Context, position *model.Position, action *model.Action) error
	MarkOpeningWithEntryAction(ctx context.Context, position *model.Position, action *model.Action) error
	FindByID(ctx context.Context, id uint) (*model.Position, error)
	UpdateTransition(ctx context.Context, position *model.Position, fields map[string]interface{}) error
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]model.Position, error)
}

// ActionStore is the action-side persistence the manager needs to hand work
// to the execution clients.
type ActionStore interface {
	Create(ctx context.Context, action *model.Action) error
	FindPendingCloseByTrigger(ctx context.Context, triggerPositionID uint) (*model.Action, error)
	CountExecutingForPosition(ctx context.Context, positionID uint) (int64, error)
}

// ActionDispatcher pushes a queued action to the owning user's connected
// execution client. Implemented by dispatcher.Dispatcher.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, actionID uint) error
}

// AlertStore persists operator alerts emitted by lifecycle policies.
type AlertStore interface {
	Create(ctx context.Context, alert *model.Alert) error
}

// AccountLookup resolves the owning user of an account for alerting.
type AccountLookup interface {
	FindByID(ctx context.Context, id uint) (*model.Account, error)
}

// Manager owns the position state machine. All writes to a given position go
// through the per-position lock here; the repository's version check backstops
// anything that slips past (e.g. a stale retry racing a fresh report).
type Manager struct {
	positions  PositionStore
	actions    ActionStore
	alerts     AlertStore
	accounts   AccountLookup
	dispatcher ActionDispatcher
	bus        *feed.Bus
	locks      *keyedMutex
	log        *logger.Entry
	now        func() time.Time
}

func NewManager(
	positions PositionStore,
	actions ActionStore,
	alerts AlertStore,
	accounts AccountLookup,
	dispatcher ActionDispatcher,
	bus *feed.Bus,
) *Manager {
	return &Manager{
		positions:  positions,
		actions:    actions,
		alerts:     alerts,
		accounts:   accounts,
		dispatcher: dispatcher,
		bus:        bus,
		locks:      newKeyedMutex(),
		log:        logger.WithField("component", "lifecycle"),
		now:        time.Now,
	}
}

// CreatePositionInput carries everything needed to open a PENDING position.
type CreatePositionInput struct {
	AccountID  uint
	StrategyID *uint
	Symbol     string
	Volume     float64
	Direction  string
	TrailWidth float64
	StopLoss   *float64
	TakeProfit *float64
	Memo       string
}

func (in CreatePositionInput) validate() error {
	if in.AccountID == 0 {
		return &model.ValidationError{Field: "accountId", Reason: "required"}
	}
	if in.Symbol == "" {
		return &model.ValidationError{Field: "symbol", Reason: "required"}
	}
	if in.Volume <= 0 {
		return &model.ValidationError{Field: "volume", Reason: "must be positive"}
	}
	if in.TrailWidth < 0 {
		return &model.ValidationError{Field: "trailWidth", Reason: "must be >= 0"}
	}
	if in.Direction != model.DirectionBuy && in.Direction != model.DirectionSell {
		return &model.ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	}
	return nil
}

// CreatePosition persists a new PENDING position. A trailWidth > 0 position
// gets its CLOSE action pre-registered in the same transaction, so the trail
// trigger path later dispatches with zero action-creation latency.
func (m *Manager) CreatePosition(ctx context.Context, in CreatePositionInput) (*model.Position, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	position := &model.Position{
		AccountID:  in.AccountID,
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Volume:     in.Volume,
		Direction:  in.Direction,
		Status:     model.PositionStatusPending,
		TrailWidth: in.TrailWidth,
		StopLoss:   in.StopLoss,
		TakeProfit: in.TakeProfit,
		Memo:       in.Memo,
	}

	if in.TrailWidth > 0 {
		params, err := model.EncodeCloseParams(model.CloseParams{CloseRatio: 1.0, Reason: "trail"})
		if err != nil {
			return nil, err
		}

		action := &model.Action{
			Type:        model.ActionTypeClose,
			Status:      model.ActionStatusPending,
			TriggerType: model.TriggerTypePosition,
			StrategyID:  in.StrategyID,
			MaxRetries:  model.DefaultMaxRetries,
			Parameters:  params,
		}

		if err := m.positions.CreateWithCloseAction(ctx, position, action); err != nil {
			return nil, err
		}

		m.publish(feed.EntityAction, feed.ChangeCreated, action.ID, action)
	} else {
		if err := m.positions.Create(ctx, position); err != nil {
			return nil, err
		}
	}

	m.log.WithFields(logger.Fields{
		"position_id": position.ID,
		"account_id":  position.AccountID,
		"symbol":      position.Symbol,
		"trail_width": position.TrailWidth,
	}).Info("position created")

	m.publish(feed.EntityPosition, feed.ChangeCreated, position.ID, position)

	return position, nil
}

// RequestExecution hands a PENDING position to its execution client: the
// position flips to OPENING and an ENTRY action is queued in the same
// transaction, then offered to the dispatcher. An offline client leaves the
// action PENDING; the reconnect replay delivers it.
func (m *Manager) RequestExecution(ctx context.Context, positionID uint) (*model.Position, error) {
	unlock := m.locks.Lock(positionID)
	defer unlock()

	position, err := m.load(ctx, positionID)
	if err != nil {
		return nil, err
	}

	if position.Status != model.PositionStatusPending {
		return nil, &model.InvalidStateError{
			Entity: "position", ID: positionID,
			From: position.Status, To: model.PositionStatusOpening,
		}
	}

	params, err := model.EncodeEntryParams(model.EntryParams{
		Symbol:    position.Symbol,
		Volume:    position.Volume,
		Direction: position.Direction,
	})
	if err != nil {
		return nil, err
	}

	action := &model.Action{
		Type:        model.ActionTypeEntry,
		Status:      model.ActionStatusPending,
		TriggerType: model.TriggerTypeManual,
		StrategyID:  position.StrategyID,
		MaxRetries:  model.DefaultMaxRetries,
		Parameters:  params,
	}
	if position.StrategyID != nil {
		action.TriggerType = model.TriggerTypeStrategy
	}

	if err := m.positions.MarkOpeningWithEntryAction(ctx, position, action); err != nil {
		return nil, err
	}

	m.publish(feed.EntityPosition, feed.ChangeUpdated, position.ID, position)
	m.publish(feed.EntityAction, feed.ChangeCreated, action.ID, action)

	m.offerDispatch(ctx, action)

	return position, nil
}

// ReportFill is called by the execution client once the broker confirms the
// entry. Entry price/time are set here and only here.
func (m *Manager) ReportFill(
	ctx context.Context,
	positionID uint,
	ticket string,
	entryPrice float64,
	entryTime time.Time,
) (*model.Position, error) {
	unlock := m.locks.Lock(positionID)
	defer unlock()

	position, err := m.load(ctx, positionID)
	if err != nil {
		return nil, err
	}

	if position.Status != model.PositionStatusOpening {
		return nil, &model.InvalidStateError{
			Entity: "position", ID: positionID,
			From: position.Status, To: model.PositionStatusOpen,
		}
	}

	if err := m.transition(ctx, position, map[string]interface{}{
		"status":        model.PositionStatusOpen,
		"broker_ticket": ticket,
		"entry_price":   entryPrice,
		"entry_time":    entryTime,
	}); err != nil {
		return nil, err
	}

	position.Status = model.PositionStatusOpen
	position.BrokerTicket = ticket
	position.EntryPrice = &entryPrice
	position.EntryTime = &entryTime

	m.log.WithFields(logger.Fields{
		"position_id": positionID,
		"ticket":      ticket,
		"entry_price": entryPrice,
	}).Info("position filled")

	return position, nil
}

// RequestClose flips an OPEN position to CLOSING and hands the CLOSE action
// to the dispatcher: the pre-registered one when the position trails, a
// lazily created one otherwise. A repeated request while already CLOSING does
// not write the position again but still re-offers an undelivered CLOSE
// action, tolerating at-least-once delivery from unreliable clients.
func (m *Manager) RequestClose(ctx context.Context, positionID uint, reason string) (*model.Position, error) {
	unlock := m.locks.Lock(positionID)
	defer unlock()

	position, err := m.load(ctx, positionID)
	if err != nil {
		return nil, err
	}

	if position.Status == model.PositionStatusClosing {
		if err := m.ensureCloseDispatched(ctx, position, reason); err != nil {
			return nil, err
		}
		return position, nil
	}

	if position.Status != model.PositionStatusOpen {
		return nil, &model.InvalidStateError{
			Entity: "position", ID: positionID,
			From: position.Status, To: model.PositionStatusClosing,
		}
	}

	if err := m.transition(ctx, position, map[string]interface{}{
		"status":      model.PositionStatusClosing,
		"exit_reason": reason,
	}); err != nil {
		return nil, err
	}

	position.Status = model.PositionStatusClosing
	position.ExitReason = reason

	if err := m.ensureCloseDispatched(ctx, position, reason); err != nil {
		return nil, err
	}

	return position, nil
}

// ensureCloseDispatched guarantees a CLOSING position has a CLOSE action in
// flight: an already EXECUTING close is left alone, a PENDING one (the
// pre-registered trail close, or one left behind by an offline client) is
// re-offered, and a position with neither gets one created now.
func (m *Manager) ensureCloseDispatched(ctx context.Context, position *model.Position, reason string) error {
	executing, err := m.actions.CountExecutingForPosition(ctx, position.ID)
	if err != nil {
		return err
	}
	if executing > 0 {
		return nil
	}

	action, err := m.actions.FindPendingCloseByTrigger(ctx, position.ID)
	if err != nil {
		return err
	}

	if action == nil {
		params, err := model.EncodeCloseParams(model.CloseParams{CloseRatio: 1.0, Reason: reason})
		if err != nil {
			return err
		}

		triggerID := position.ID
		action = &model.Action{
			AccountID:         position.AccountID,
			PositionID:        position.ID,
			TriggerPositionID: &triggerID,
			Type:              model.ActionTypeClose,
			Status:            model.ActionStatusPending,
			TriggerType:       model.TriggerTypeManual,
			StrategyID:        position.StrategyID,
			MaxRetries:        model.DefaultMaxRetries,
			Parameters:        params,
		}
		if err := m.actions.Create(ctx, action); err != nil {
			return err
		}

		m.publish(feed.EntityAction, feed.ChangeCreated, action.ID, action)
	}

	m.offerDispatch(ctx, action)
	return nil
}

// offerDispatch hands a PENDING action to the dispatcher. Refusals are the
// normal offline-client case: the action stays PENDING and the reconnect
// replay picks it up, so nothing propagates to the caller.
func (m *Manager) offerDispatch(ctx context.Context, action *model.Action) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.Dispatch(ctx, action.ID); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{
			"action_id":   action.ID,
			"position_id": action.PositionID,
		}).Info("action left pending, dispatch deferred")
	}
}

// ReportClose finalizes a CLOSING position. The outcome enum decides CLOSED
// versus STOPPED (broker-forced liquidation); no exit-reason string sniffing.
// Idempotent: a repeat report on an already-closed position returns the
// existing record unchanged.
func (m *Manager) ReportClose(
	ctx context.Context,
	positionID uint,
	exitPrice float64,
	exitTime time.Time,
	exitReason string,
	outcome model.CloseOutcome,
) (*model.Position, error) {
	unlock := m.locks.Lock(positionID)
	defer unlock()

	position, err := m.load(ctx, positionID)
	if err != nil {
		return nil, err
	}

	if position.Status == model.PositionStatusClosed || position.Status == model.PositionStatusStopped {
		return position, nil
	}

	target := model.PositionStatusClosed
	if outcome == model.CloseOutcomeStopped {
		target = model.PositionStatusStopped
	}

	if position.Status != model.PositionStatusClosing {
		return nil, &model.InvalidStateError{
			Entity: "position", ID: positionID,
			From: position.Status, To: target,
		}
	}

	if err := m.transition(ctx, position, map[string]interface{}{
		"status":      target,
		"exit_price":  exitPrice,
		"exit_time":   exitTime,
		"exit_reason": exitReason,
	}); err != nil {
		return nil, err
	}

	position.Status = target
	position.ExitPrice = &exitPrice
	position.ExitTime = &exitTime
	position.ExitReason = exitReason

	m.log.WithFields(logger.Fields{
		"position_id": positionID,
		"exit_price":  exitPrice,
		"outcome":     outcome,
	}).Info("position closed")

	return position, nil
}

// Cancel aborts a position before fill. Only PENDING and OPENING positions
// can be canceled; once OPEN the only way out is RequestClose.
func (m *Manager) Cancel(ctx context.Context, positionID uint) (*model.Position, error) {
	unlock := m.locks.Lock(positionID)
	defer unlock()

	position, err := m.load(ctx, positionID)
	if err != nil {
		return nil, err
	}

	if position.Status != model.PositionStatusPending && position.Status != model.PositionStatusOpening {
		return nil, &model.InvalidStateError{
			Entity: "position", ID: positionID,
			From: position.Status, To: model.PositionStatusCanceled,
		}
	}

	if err := m.transition(ctx, position, map[string]interface{}{
		"status": model.PositionStatusCanceled,
	}); err != nil {
		return nil, err
	}
	position.Status = model.PositionStatusCanceled

	return position, nil
}

// ExpirePending cancels PENDING positions older than ttl and persists an
// alert per expiry. ttl <= 0 disables the sweep. Run opportunistically from
// the coordinator, not on a hot loop.
func (m *Manager) ExpirePending(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	stale, err := m.positions.ListPendingOlderThan(ctx, m.now().Add(-ttl))
	if err != nil {
		return err
	}

	for i := range stale {
		position := &stale[i]

		if _, err := m.Cancel(ctx, position.ID); err != nil {
			m.log.WithError(err).WithField("position_id", position.ID).
				Warn("failed to expire pending position")
			continue
		}

		var userID uint
		if account, err := m.accounts.FindByID(ctx, position.AccountID); err == nil && account != nil {
			userID = account.UserID
		}

		positionID := position.ID
		alert := &model.Alert{
			UserID:     userID,
			AccountID:  &position.AccountID,
			PositionID: &positionID,
			Kind:       model.AlertKindPendingExpired,
			Level:      "warn",
			Message:    fmt.Sprintf("position %d expired after %s in PENDING", position.ID, ttl),
		}
		if err := m.alerts.Create(ctx, alert); err != nil {
			m.log.WithError(err).WithField("position_id", position.ID).
				Error("failed to persist expiry alert")
		}
	}

	return nil
}

// CreateStrategyPositions opens one PENDING position per target account for
// a bulk strategy, inheriting the strategy's trail width. Partial failure
// returns the positions created so far along with the error.
func (m *Manager) CreateStrategyPositions(
	ctx context.Context,
	strategy *model.Strategy,
	accountIDs []uint,
	symbol string,
	volume float64,
	direction string,
) ([]*model.Position, error) {
	if strategy == nil {
		return nil, &model.ValidationError{Field: "strategy", Reason: "required"}
	}
	if !strategy.Active {
		return nil, &model.ValidationError{Field: "strategy", Reason: "inactive"}
	}

	created := make([]*model.Position, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		strategyID := strategy.ID
		position, err := m.CreatePosition(ctx, CreatePositionInput{
			AccountID:  accountID,
			StrategyID: &strategyID,
			Symbol:     symbol,
			Volume:     volume,
			Direction:  direction,
			TrailWidth: strategy.TrailWidth,
		})
		if err != nil {
			return created, err
		}
		created = append(created, position)
	}

	return created, nil
}

func (m *Manager) load(ctx context.Context, positionID uint) (*model.Position, error) {
	position, err := m.positions.FindByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, &model.NotFoundError{Entity: "position", ID: positionID}
	}
	return position, nil
}

func (m *Manager) transition(ctx context.Context, position *model.Position, fields map[string]interface{}) error {
	if err := m.positions.UpdateTransition(ctx, position, fields); err != nil {
		return err
	}
	m.publish(feed.EntityPosition, feed.ChangeUpdated, position.ID, position)
	return nil
}

func (m *Manager) publish(t feed.EntityType, kind feed.ChangeKind, id uint, entity interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(feed.Event{
		Type:      t,
		Kind:      kind,
		EntityID:  id,
		UpdatedAt: m.now(),
		Entity:    entity,
	})
}
