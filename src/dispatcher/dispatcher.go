package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/feed"
	"hedgesystem/src/model"
)

// ActionStore is the persistence contract the dispatcher needs for actions.
// Implemented by repository.ActionRepository; tests use in-memory fakes.
type ActionStore interface {
	Create(ctx context.Context, action *model.Action) error
	FindByID(ctx context.Context, id uint) (*model.Action, error)
	FirstPendingForPosition(ctx context.Context, positionID uint) (*model.Action, error)
	CountExecutingForPosition(ctx context.Context, positionID uint) (int64, error)
	ListPendingForAccounts(ctx context.Context, accountIDs []uint) ([]model.Action, error)
	UpdateTransition(ctx context.Context, action *model.Action, fields map[string]interface{}) error
	MarkExecutingWithPositionClosing(ctx context.Context, action *model.Action, exitReason string) error
	CloneForRetry(ctx context.Context, failed *model.Action, errorMessage string) (*model.Action, error)
	MarkExecutedWithPositionClose(ctx context.Context, action *model.Action, result string,
		exitPrice float64, exitTime time.Time, exitReason string, outcome model.CloseOutcome) error
}

// AccountStore resolves actions to their owning account and user.
type AccountStore interface {
	FindByID(ctx context.Context, id uint) (*model.Account, error)
	ListByUser(ctx context.Context, userID uint) ([]model.Account, error)
}

// AlertStore persists retry-exhaustion alerts.
type AlertStore interface {
	Create(ctx context.Context, alert *model.Alert) error
}

// ClientRegistry is the live view of connected execution clients, implemented
// by the gateway. ClientFor returns false when the user's terminal is offline.
type ClientRegistry interface {
	ClientFor(userID uint) (ClientSender, bool)
}

// ClientSender pushes a dispatch intent to one connected execution client.
type ClientSender interface {
	SendIntent(intent Intent) error
}

// Intent is the dispatch message pushed to an execution client.
type Intent struct {
	MessageID  string `json:"message_id"`
	ActionID   uint   `json:"action_id"`
	PositionID uint   `json:"position_id"`
	AccountID  uint   `json:"account_id"`
	Operation  string `json:"operation"` // ENTRY | CLOSE
	Parameters string `json:"parameters,omitempty"`
}

// Notifier pushes a persisted alert to an external operator channel.
// Best effort; failures are logged, never propagated.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *model.Alert)
}

// Dispatcher owns the action state machine. It serializes sibling actions per
// position (at most one EXECUTING, FIFO by creation) and resolves the
// responsible execution client by account ownership.
type Dispatcher struct {
	actions  ActionStore
	accounts AccountStore
	alerts   AlertStore
	registry ClientRegistry
	notifier Notifier
	bus      *feed.Bus
	log      *logger.Entry
	now      func() time.Time
}

func NewDispatcher(
	actions ActionStore,
	accounts AccountStore,
	alerts AlertStore,
	registry ClientRegistry,
	notifier Notifier,
	bus *feed.Bus,
) *Dispatcher {
	return &Dispatcher{
		actions:  actions,
		accounts: accounts,
		alerts:   alerts,
		registry: registry,
		notifier: notifier,
		bus:      bus,
		log:      logger.WithField("component", "dispatcher"),
		now:      time.Now,
	}
}

// Dispatch moves a PENDING action to EXECUTING and pushes the execution
// intent to the owning user's connected client.
//
// Refused (action left PENDING) when: a sibling action of the same position
// is already EXECUTING, an older sibling is still queued ahead of it, or the
// owning user has no connected client. The last case returns
// NoConnectedClientError; the action is replayed on the next connect event,
// never by a timer.
func (d *Dispatcher) Dispatch(ctx context.Context, actionID uint) error {
	action, err := d.actions.FindByID(ctx, actionID)
	if err != nil {
		return err
	}
	if action == nil {
		return &model.NotFoundError{Entity: "action", ID: actionID}
	}

	if action.Status != model.ActionStatusPending {
		return &model.InvalidStateError{
			Entity: "action", ID: actionID,
			From: action.Status, To: model.ActionStatusExecuting,
		}
	}

	executing, err := d.actions.CountExecutingForPosition(ctx, action.PositionID)
	if err != nil {
		return err
	}
	if executing > 0 {
		d.log.WithFields(logger.Fields{
			"action_id":   actionID,
			"position_id": action.PositionID,
		}).Info("dispatch deferred: sibling action already executing")
		return &model.DispatchDeferredError{
			ActionID:   action.ID,
			PositionID: action.PositionID,
			Reason:     "a sibling action is already executing",
		}
	}

	// Creation order is dispatch order.
	first, err := d.actions.FirstPendingForPosition(ctx, action.PositionID)
	if err != nil {
		return err
	}
	if first != nil && first.ID != action.ID {
		return &model.DispatchDeferredError{
			ActionID:   action.ID,
			PositionID: action.PositionID,
			Reason:     fmt.Sprintf("queued behind action %d", first.ID),
		}
	}

	account, err := d.accounts.FindByID(ctx, action.AccountID)
	if err != nil {
		return err
	}
	if account == nil {
		return &model.NotFoundError{Entity: "account", ID: action.AccountID}
	}

	client, ok := d.registry.ClientFor(account.UserID)
	if !ok {
		d.log.WithFields(logger.Fields{
			"action_id": actionID,
			"user_id":   account.UserID,
		}).Info("dispatch deferred: no connected execution client")
		return &model.NoConnectedClientError{UserID: account.UserID, AccountID: account.ID}
	}

	if action.Type == model.ActionTypeClose {
		// A close action drags its position to CLOSING in the same
		// transaction, so the executed report finds a legal edge.
		reason := closeReasonFor(action)
		if err := d.actions.MarkExecutingWithPositionClosing(ctx, action, reason); err != nil {
			return err
		}
	} else {
		if err := d.actions.UpdateTransition(ctx, action, map[string]interface{}{
			"status": model.ActionStatusExecuting,
		}); err != nil {
			return err
		}
		action.Status = model.ActionStatusExecuting
	}

	intent := Intent{
		MessageID:  uuid.NewString(),
		ActionID:   action.ID,
		PositionID: action.PositionID,
		AccountID:  action.AccountID,
		Operation:  action.Type,
		Parameters: action.Parameters,
	}

	if err := client.SendIntent(intent); err != nil {
		// The push failed after the status write; the outcome report (or the
		// reconnect replay after the client drops) resolves the action.
		d.log.WithError(err).WithField("action_id", action.ID).
			Error("failed to push intent to execution client")
		return err
	}

	d.publish(feed.ChangeUpdated, action)

	d.log.WithFields(logger.Fields{
		"action_id":   action.ID,
		"position_id": action.PositionID,
		"operation":   action.Type,
		"user_id":     account.UserID,
	}).Info("action dispatched")

	return nil
}

// ReportOutcome finalizes an EXECUTING action from the execution client's
// report. An EXECUTED CLOSE also closes the position in the same database
// transaction. A FAILED action below its retry budget is cloned as a fresh
// PENDING action; at budget it becomes a persisted alert.
func (d *Dispatcher) ReportOutcome(ctx context.Context, report OutcomeReport) error {
	action, err := d.actions.FindByID(ctx, report.ActionID)
	if err != nil {
		return err
	}
	if action == nil {
		return &model.NotFoundError{Entity: "action", ID: report.ActionID}
	}

	if !model.CanTransitionAction(action.Status, report.Status) {
		return &model.InvalidStateError{
			Entity: "action", ID: action.ID,
			From: action.Status, To: report.Status,
		}
	}

	switch report.Status {
	case model.ActionStatusExecuted:
		return d.finalizeExecuted(ctx, action, report)
	case model.ActionStatusFailed:
		return d.handleFailure(ctx, action, report)
	default:
		return &model.ValidationError{Field: "status", Reason: "must be EXECUTED or FAILED"}
	}
}

// OutcomeReport is the execution client's terminal report for an action.
type OutcomeReport struct {
	ActionID     uint
	Status       string // EXECUTED | FAILED
	Result       model.ExecutionResult
	Outcome      model.CloseOutcome // for CLOSE actions
	ExitReason   string
	ErrorMessage string
}

func (d *Dispatcher) finalizeExecuted(ctx context.Context, action *model.Action, report OutcomeReport) error {
	result, err := model.EncodeResult(report.Result)
	if err != nil {
		return err
	}

	if action.Type == model.ActionTypeClose {
		exitTime := d.now()
		if report.Result.Timestamp != "" {
			if parsed, perr := time.Parse(time.RFC3339, report.Result.Timestamp); perr == nil {
				exitTime = parsed
			}
		}

		outcome := report.Outcome
		if outcome == "" {
			outcome = model.CloseOutcomeClosed
		}

		if err := d.actions.MarkExecutedWithPositionClose(
			ctx, action, result, report.Result.Price, exitTime, report.ExitReason, outcome,
		); err != nil {
			return err
		}
	} else {
		if err := d.actions.UpdateTransition(ctx, action, map[string]interface{}{
			"status": model.ActionStatusExecuted,
			"result": result,
		}); err != nil {
			return err
		}
		action.Status = model.ActionStatusExecuted
	}

	d.publish(feed.ChangeUpdated, action)

	d.log.WithFields(logger.Fields{
		"action_id":   action.ID,
		"position_id": action.PositionID,
		"type":        action.Type,
	}).Info("action executed")

	return nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, action *model.Action, report OutcomeReport) error {
	execErr := &model.BrokerExecutionError{
		ActionID: action.ID,
		Code:     report.Result.ErrorCode,
		Message:  report.ErrorMessage,
	}

	if action.RetryCount+1 < action.MaxRetries {
		clone, err := d.actions.CloneForRetry(ctx, action, report.ErrorMessage)
		if err != nil {
			return err
		}

		d.publish(feed.ChangeUpdated, action)
		d.publish(feed.ChangeCreated, clone)

		d.log.WithFields(logger.Fields{
			"action_id": action.ID,
			"clone_id":  clone.ID,
			"retry":     clone.RetryCount,
		}).Warn("action failed, retry queued")

		// Try immediately; if the client dropped, the reconnect replay
		// picks the clone up.
		if err := d.Dispatch(ctx, clone.ID); err != nil {
			d.log.WithError(err).WithField("action_id", clone.ID).
				Info("retry clone left pending")
		}

		return nil
	}

	if err := d.actions.UpdateTransition(ctx, action, map[string]interface{}{
		"status":        model.ActionStatusFailed,
		"error_message": report.ErrorMessage,
	}); err != nil {
		return err
	}
	action.Status = model.ActionStatusFailed

	d.publish(feed.ChangeUpdated, action)

	var userID uint
	if account, err := d.accounts.FindByID(ctx, action.AccountID); err == nil && account != nil {
		userID = account.UserID
	}

	actionID := action.ID
	positionID := action.PositionID
	alert := &model.Alert{
		UserID:     userID,
		AccountID:  &action.AccountID,
		PositionID: &positionID,
		ActionID:   &actionID,
		Kind:       model.AlertKindRetryExhausted,
		Level:      "error",
		Message:    fmt.Sprintf("action %d failed after %d attempts: %s", action.ID, action.RetryCount+1, report.ErrorMessage),
	}
	if err := d.alerts.Create(ctx, alert); err != nil {
		d.log.WithError(err).WithField("action_id", action.ID).
			Error("failed to persist retry-exhaustion alert")
		return err
	}

	if d.notifier != nil {
		d.notifier.NotifyAlert(ctx, alert)
	}

	d.log.WithError(execErr).WithFields(logger.Fields{
		"action_id": action.ID,
		"retries":   action.RetryCount,
	}).Error("action failed, retries exhausted")

	return nil
}

// OnClientConnect replays the user's queued work after an execution client
// connects: every PENDING action of the user's accounts is offered to
// Dispatch in creation order. Per-position guards keep ordering intact.
func (d *Dispatcher) OnClientConnect(ctx context.Context, userID uint) {
	accounts, err := d.accounts.ListByUser(ctx, userID)
	if err != nil {
		d.log.WithError(err).WithField("user_id", userID).
			Error("failed to resolve accounts on client connect")
		return
	}

	accountIDs := make([]uint, 0, len(accounts))
	for _, account := range accounts {
		accountIDs = append(accountIDs, account.ID)
	}

	pending, err := d.actions.ListPendingForAccounts(ctx, accountIDs)
	if err != nil {
		d.log.WithError(err).WithField("user_id", userID).
			Error("failed to list pending actions on client connect")
		return
	}

	d.log.WithFields(logger.Fields{
		"user_id": userID,
		"pending": len(pending),
	}).Info("replaying pending actions on client connect")

	for i := range pending {
		if err := d.Dispatch(ctx, pending[i].ID); err != nil {
			d.log.WithError(err).WithField("action_id", pending[i].ID).
				Info("pending action not dispatched on reconnect")
		}
	}
}

func closeReasonFor(action *model.Action) string {
	params, err := model.DecodeCloseParams(action)
	if err != nil || params.Reason == "" {
		return "close"
	}
	return params.Reason
}

func (d *Dispatcher) publish(kind feed.ChangeKind, action *model.Action) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(feed.Event{
		Type:      feed.EntityAction,
		Kind:      kind,
		EntityID:  action.ID,
		UpdatedAt: d.now(),
		Entity:    action,
	})
}
