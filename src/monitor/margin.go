package monitor

import (
	"context"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/model"
)

// OnAccountSnapshot evaluates the margin level pushed with an account
// snapshot. Below the configured threshold the account enters emergency mode
// and its highest-volume OPEN positions get emergency CLOSE actions. This
// path preempts per-position trailing: OnPriceUpdate skips emergency-mode
// accounts entirely.
//
// Emergency mode clears automatically once the margin level is back at or
// above the threshold.
func (m *Monitor) OnAccountSnapshot(ctx context.Context, accountID uint, marginLevel float64) {
	account, err := m.accounts.FindByID(ctx, accountID)
	if err != nil {
		m.log.WithError(err).WithField("account_id", accountID).
			Error("failed to load account for margin check")
		return
	}
	if account == nil {
		return
	}

	// marginLevel == 0 means no open positions; nothing to liquidate.
	if marginLevel <= 0 {
		return
	}

	if marginLevel >= m.config.MarginThreshold {
		if account.EmergencyMode {
			if err := m.accounts.SetEmergencyMode(ctx, accountID, false); err != nil {
				m.log.WithError(err).WithField("account_id", accountID).
					Error("failed to clear emergency mode")
				return
			}
			m.log.WithFields(logger.Fields{
				"account_id":   accountID,
				"margin_level": marginLevel,
			}).Info("margin level recovered, emergency mode cleared")
		}
		return
	}

	if account.EmergencyMode {
		// Already handling it; don't re-emit closes on every snapshot.
		return
	}

	m.log.WithFields(logger.Fields{
		"account_id":   accountID,
		"margin_level": marginLevel,
		"threshold":    m.config.MarginThreshold,
	}).Warn("margin level below threshold, entering emergency mode")

	if err := m.accounts.SetEmergencyMode(ctx, accountID, true); err != nil {
		m.log.WithError(err).WithField("account_id", accountID).
			Error("failed to set emergency mode")
		return
	}

	open, err := m.positions.ListOpenByAccount(ctx, accountID)
	if err != nil {
		m.log.WithError(err).WithField("account_id", accountID).
			Error("failed to list open positions for emergency close")
		return
	}

	count := m.config.EmergencyCloseCount
	if count <= 0 {
		count = 1
	}
	if count > len(open) {
		count = len(open)
	}

	// ListOpenByAccount orders by volume descending: close the riskiest first.
	for i := 0; i < count; i++ {
		m.emergencyClose(ctx, account, &open[i], marginLevel)
	}

	alert := &model.Alert{
		UserID:    account.UserID,
		AccountID: &account.ID,
		Kind:      model.AlertKindMarginCall,
		Level:     "error",
		Message: fmt.Sprintf("account %d margin level %.2f%% below threshold %.2f%%, emergency close issued",
			accountID, marginLevel, m.config.MarginThreshold),
	}
	if err := m.alerts.Create(ctx, alert); err != nil {
		m.log.WithError(err).WithField("account_id", accountID).
			Error("failed to persist margin-call alert")
	}
}

func (m *Monitor) emergencyClose(ctx context.Context, account *model.Account, position *model.Position, marginLevel float64) {
	// Reuse the pre-registered trail CLOSE action when one exists; it closes
	// the position all the same and keeps the per-position FIFO intact.
	action, err := m.actions.FindPendingCloseByTrigger(ctx, position.ID)
	if err != nil {
		m.log.WithError(err).WithField("position_id", position.ID).
			Error("failed to look up close action for emergency close")
		return
	}

	if action == nil {
		params, err := model.EncodeCloseParams(model.CloseParams{
			CloseRatio: 1.0,
			Reason:     "margin_call",
		})
		if err != nil {
			m.log.WithError(err).Error("failed to encode emergency close params")
			return
		}

		triggerID := position.ID
		action = &model.Action{
			AccountID:         account.ID,
			PositionID:        position.ID,
			TriggerPositionID: &triggerID,
			Type:              model.ActionTypeClose,
			Status:            model.ActionStatusPending,
			TriggerType:       model.TriggerTypeManual,
			MaxRetries:        model.DefaultMaxRetries,
			Parameters:        params,
		}

		if err := m.actions.Create(ctx, action); err != nil {
			m.log.WithError(err).WithField("position_id", position.ID).
				Error("failed to create emergency close action")
			return
		}
	}

	m.log.WithFields(logger.Fields{
		"account_id":   account.ID,
		"position_id":  position.ID,
		"volume":       position.Volume,
		"margin_level": marginLevel,
	}).Warn("emergency close queued")

	if err := m.dispatcher.Dispatch(ctx, action.ID); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{
			"position_id": position.ID,
			"action_id":   action.ID,
		}).Warn("emergency close not dispatched, will replay on reconnect")
	}

	m.ClearPosition(position.ID)
}
