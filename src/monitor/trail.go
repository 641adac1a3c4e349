package monitor

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"hedgesystem/src/model"
)

// PositionStore is the persistence contract the monitor needs for positions.
type PositionStore interface {
	ListOpenBySymbol(ctx context.Context, symbol string) ([]model.Position, error)
	ListOpenByAccount(ctx context.Context, accountID uint) ([]model.Position, error)
	UpdateCurrentPrice(ctx context.Context, id uint, price float64, unrealizedPL float64, trailMark *float64) error
}

// ActionStore locates pre-registered close actions and creates emergency ones.
type ActionStore interface {
	FindPendingCloseByTrigger(ctx context.Context, triggerPositionID uint) (*model.Action, error)
	Create(ctx context.Context, action *model.Action) error
}

// AccountStore reads account risk state and flips emergency mode.
type AccountStore interface {
	FindByID(ctx context.Context, id uint) (*model.Account, error)
	SetEmergencyMode(ctx context.Context, id uint, emergency bool) error
}

// AlertStore persists margin-call alerts.
type AlertStore interface {
	Create(ctx context.Context, alert *model.Alert) error
}

// ActionDispatcher hands a triggered action to the dispatcher.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, actionID uint) error
}

// Monitor evaluates trailing stops and margin levels. It is event-driven:
// evaluation happens on every incoming price or account update pushed by the
// execution clients, not on a timer.
//
// Per position it keeps a high-water mark M, the best price seen in the
// position's favor since entry. BUY closes at price <= M - width, SELL at
// price >= M + width, width converted from pips through the pip table.
type Monitor struct {
	positions  PositionStore
	actions    ActionStore
	accounts   AccountStore
	alerts     AlertStore
	dispatcher ActionDispatcher
	pips       *PipTable
	config     Config
	log        *logger.Entry

	mu    sync.Mutex
	marks map[uint]decimal.Decimal
}

func NewMonitor(
	positions PositionStore,
	actions ActionStore,
	accounts AccountStore,
	alerts AlertStore,
	dispatcher ActionDispatcher,
	pips *PipTable,
	config Config,
) *Monitor {
	if pips == nil {
		pips = DefaultPipTable()
	}
	return &Monitor{
		positions:  positions,
		actions:    actions,
		accounts:   accounts,
		alerts:     alerts,
		dispatcher: dispatcher,
		pips:       pips,
		config:     config,
		log:        logger.WithField("component", "monitor"),
		marks:      make(map[uint]decimal.Decimal),
	}
}

// OnPriceUpdate re-evaluates every OPEN position on symbol against the new
// price. Accounts in emergency mode are skipped here: the margin path has
// already queued their closes and preempts normal trail ordering.
func (m *Monitor) OnPriceUpdate(ctx context.Context, symbol string, price decimal.Decimal) {
	positions, err := m.positions.ListOpenBySymbol(ctx, symbol)
	if err != nil {
		m.log.WithError(err).WithField("symbol", symbol).
			Error("failed to list open positions for price update")
		return
	}

	emergency := make(map[uint]bool)

	for i := range positions {
		position := &positions[i]

		inEmergency, known := emergency[position.AccountID]
		if !known {
			account, err := m.accounts.FindByID(ctx, position.AccountID)
			if err != nil || account == nil {
				continue
			}
			inEmergency = account.EmergencyMode
			emergency[position.AccountID] = inEmergency
		}
		if inEmergency {
			continue
		}

		m.evaluate(ctx, position, price)
	}
}

func (m *Monitor) evaluate(ctx context.Context, position *model.Position, price decimal.Decimal) {
	pl := 0.0
	if position.EntryPrice != nil {
		diff := price.Sub(decimal.NewFromFloat(*position.EntryPrice))
		if position.Direction == model.DirectionSell {
			diff = diff.Neg()
		}
		pl, _ = diff.Mul(decimal.NewFromFloat(position.Volume)).Float64()
	}

	// trailWidth == 0 is immediate-execution mode: no request trail.
	trailing := position.TrailWidth > 0 && position.EntryPrice != nil

	var mark decimal.Decimal
	var trailMark *float64
	if trailing {
		mark = m.advanceMark(position, price)
		markF, _ := mark.Float64()
		trailMark = &markF
	}

	priceF, _ := price.Float64()
	if err := m.positions.UpdateCurrentPrice(ctx, position.ID, priceF, pl, trailMark); err != nil {
		m.log.WithError(err).WithField("position_id", position.ID).
			Warn("failed to refresh position price snapshot")
	}

	if !trailing {
		return
	}

	width := m.pips.PipsToPrice(position.Symbol, position.TrailWidth)

	var triggered bool
	switch position.Direction {
	case model.DirectionBuy:
		triggered = price.LessThanOrEqual(mark.Sub(width))
	case model.DirectionSell:
		triggered = price.GreaterThanOrEqual(mark.Add(width))
	}

	if !triggered {
		return
	}

	m.log.WithFields(logger.Fields{
		"position_id": position.ID,
		"symbol":      position.Symbol,
		"price":       price.String(),
		"mark":        mark.String(),
		"width":       width.String(),
	}).Info("trail stop triggered")

	m.triggerClose(ctx, position)
}

// advanceMark updates the high-water mark monotonically in the position's
// favor and returns the current mark. The mark starts at entry price, or at
// the mark persisted on the position row when that is tighter, so a restart
// never loosens an already advanced trail.
func (m *Monitor) advanceMark(position *model.Position, price decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark, ok := m.marks[position.ID]
	if !ok {
		mark = decimal.NewFromFloat(*position.EntryPrice)
		if position.TrailMark != nil {
			persisted := decimal.NewFromFloat(*position.TrailMark)
			switch position.Direction {
			case model.DirectionBuy:
				if persisted.GreaterThan(mark) {
					mark = persisted
				}
			case model.DirectionSell:
				if persisted.LessThan(mark) {
					mark = persisted
				}
			}
		}
	}

	switch position.Direction {
	case model.DirectionBuy:
		if price.GreaterThan(mark) {
			mark = price
		}
	case model.DirectionSell:
		if price.LessThan(mark) {
			mark = price
		}
	}

	m.marks[position.ID] = mark
	return mark
}

// Mark returns the current high-water mark of a position, if tracked.
func (m *Monitor) Mark(positionID uint) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, ok := m.marks[positionID]
	return mark, ok
}

// ClearPosition drops trail state for a position that left OPEN.
func (m *Monitor) ClearPosition(positionID uint) {
	m.mu.Lock()
	delete(m.marks, positionID)
	m.mu.Unlock()
}

// triggerClose dispatches the pre-registered CLOSE action for the position.
// Eager creation at position-creation time means no action insert happens on
// this latency-sensitive path.
func (m *Monitor) triggerClose(ctx context.Context, position *model.Position) {
	action, err := m.actions.FindPendingCloseByTrigger(ctx, position.ID)
	if err != nil {
		m.log.WithError(err).WithField("position_id", position.ID).
			Error("failed to locate pre-registered close action")
		return
	}
	if action == nil {
		m.log.WithField("position_id", position.ID).
			Error("no pre-registered close action for trail trigger")
		return
	}

	if err := m.dispatcher.Dispatch(ctx, action.ID); err != nil {
		// Offline client: stays PENDING, replayed on reconnect.
		m.log.WithError(err).WithFields(logger.Fields{
			"position_id": position.ID,
			"action_id":   action.ID,
		}).Warn("trail close not dispatched")
		return
	}

	m.ClearPosition(position.ID)
}
