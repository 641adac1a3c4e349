package dispatcher

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"hedgesystem/src/feed"
	"hedgesystem/src/model"
)

type fakeActionStore struct {
	actions map[uint]*model.Action
	nextID  uint

	// captured by MarkExecutedWithPositionClose
	closedOutcome model.CloseOutcome
	closedReason  string
	closedPrice   float64
}

func newFakeActionStore() *fakeActionStore {
	return &fakeActionStore{actions: make(map[uint]*model.Action), nextID: 1}
}

func (f *fakeActionStore) add(action *model.Action) *model.Action {
	action.ID = f.nextID
	f.nextID++
	f.actions[action.ID] = action
	return action
}

func (f *fakeActionStore) Create(_ context.Context, action *model.Action) error {
	f.add(action)
	return nil
}

func (f *fakeActionStore) FindByID(_ context.Context, id uint) (*model.Action, error) {
	action, ok := f.actions[id]
	if !ok {
		return nil, nil
	}
	copied := *action
	return &copied, nil
}

func (f *fakeActionStore) FirstPendingForPosition(_ context.Context, positionID uint) (*model.Action, error) {
	ids := make([]uint, 0, len(f.actions))
	for id := range f.actions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		action := f.actions[id]
		if action.PositionID == positionID && action.Status == model.ActionStatusPending {
			copied := *action
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeActionStore) CountExecutingForPosition(_ context.Context, positionID uint) (int64, error) {
	var count int64
	for _, action := range f.actions {
		if action.PositionID == positionID && action.Status == model.ActionStatusExecuting {
			count++
		}
	}
	return count, nil
}

func (f *fakeActionStore) ListPendingForAccounts(_ context.Context, accountIDs []uint) ([]model.Action, error) {
	wanted := make(map[uint]bool, len(accountIDs))
	for _, id := range accountIDs {
		wanted[id] = true
	}

	ids := make([]uint, 0, len(f.actions))
	for id := range f.actions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var pending []model.Action
	for _, id := range ids {
		action := f.actions[id]
		if wanted[action.AccountID] && action.Status == model.ActionStatusPending {
			pending = append(pending, *action)
		}
	}
	return pending, nil
}

func (f *fakeActionStore) UpdateTransition(_ context.Context, action *model.Action, fields map[string]interface{}) error {
	stored, ok := f.actions[action.ID]
	if !ok {
		return &model.NotFoundError{Entity: "action", ID: action.ID}
	}
	if stored.Version != action.Version {
		return model.ErrStaleVersion
	}
	if v, ok := fields["status"]; ok {
		stored.Status = v.(string)
	}
	if v, ok := fields["error_message"]; ok {
		stored.ErrorMessage = v.(string)
	}
	if v, ok := fields["result"]; ok {
		stored.Result = v.(string)
	}
	stored.Version++
	action.Version++
	return nil
}

func (f *fakeActionStore) MarkExecutingWithPositionClosing(_ context.Context, action *model.Action, _ string) error {
	stored, ok := f.actions[action.ID]
	if !ok {
		return &model.NotFoundError{Entity: "action", ID: action.ID}
	}
	if stored.Version != action.Version {
		return model.ErrStaleVersion
	}
	stored.Status = model.ActionStatusExecuting
	stored.Version++
	action.Status = model.ActionStatusExecuting
	action.Version++
	return nil
}

func (f *fakeActionStore) CloneForRetry(_ context.Context, failed *model.Action, errorMessage string) (*model.Action, error) {
	stored, ok := f.actions[failed.ID]
	if !ok {
		return nil, &model.NotFoundError{Entity: "action", ID: failed.ID}
	}
	stored.Status = model.ActionStatusFailed
	stored.ErrorMessage = errorMessage
	stored.Version++
	failed.Status = model.ActionStatusFailed

	clone := &model.Action{
		AccountID:         stored.AccountID,
		PositionID:        stored.PositionID,
		TriggerPositionID: stored.TriggerPositionID,
		Type:              stored.Type,
		Status:            model.ActionStatusPending,
		TriggerType:       stored.TriggerType,
		RetryCount:        stored.RetryCount + 1,
		MaxRetries:        stored.MaxRetries,
		Parameters:        stored.Parameters,
	}
	return f.add(clone), nil
}

func (f *fakeActionStore) MarkExecutedWithPositionClose(
	_ context.Context,
	action *model.Action,
	result string,
	exitPrice float64,
	_ time.Time,
	exitReason string,
	outcome model.CloseOutcome,
) error {
	stored, ok := f.actions[action.ID]
	if !ok {
		return &model.NotFoundError{Entity: "action", ID: action.ID}
	}
	stored.Status = model.ActionStatusExecuted
	stored.Result = result
	stored.Version++
	action.Status = model.ActionStatusExecuted

	f.closedOutcome = outcome
	f.closedReason = exitReason
	f.closedPrice = exitPrice
	return nil
}

type fakeAccountStore struct {
	accounts map[uint]*model.Account
}

func (f *fakeAccountStore) FindByID(_ context.Context, id uint) (*model.Account, error) {
	account, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	return account, nil
}

func (f *fakeAccountStore) ListByUser(_ context.Context, userID uint) ([]model.Account, error) {
	var out []model.Account
	for _, account := range f.accounts {
		if account.UserID == userID {
			out = append(out, *account)
		}
	}
	return out, nil
}

type fakeAlertStore struct {
	alerts []*model.Alert
}

func (f *fakeAlertStore) Create(_ context.Context, alert *model.Alert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

type fakeClient struct {
	intents []Intent
	sendErr error
}

func (f *fakeClient) SendIntent(intent Intent) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.intents = append(f.intents, intent)
	return nil
}

type fakeRegistry struct {
	clients map[uint]*fakeClient
}

func (f *fakeRegistry) ClientFor(userID uint) (ClientSender, bool) {
	client, ok := f.clients[userID]
	if !ok {
		return nil, false
	}
	return client, true
}

type fakeNotifier struct {
	notified []*model.Alert
}

func (f *fakeNotifier) NotifyAlert(_ context.Context, alert *model.Alert) {
	f.notified = append(f.notified, alert)
}

type fixture struct {
	dispatcher *Dispatcher
	actions    *fakeActionStore
	alerts     *fakeAlertStore
	client     *fakeClient
	notifier   *fakeNotifier
}

func newFixture() *fixture {
	actions := newFakeActionStore()
	accounts := &fakeAccountStore{accounts: map[uint]*model.Account{
		1: {ID: 1, UserID: 42},
	}}
	alerts := &fakeAlertStore{}
	client := &fakeClient{}
	registry := &fakeRegistry{clients: map[uint]*fakeClient{42: client}}
	notifier := &fakeNotifier{}

	return &fixture{
		dispatcher: NewDispatcher(actions, accounts, alerts, registry, notifier, feed.NewBus()),
		actions:    actions,
		alerts:     alerts,
		client:     client,
		notifier:   notifier,
	}
}

func pendingEntry(positionID uint) *model.Action {
	return &model.Action{
		AccountID:   1,
		PositionID:  positionID,
		Type:        model.ActionTypeEntry,
		Status:      model.ActionStatusPending,
		TriggerType: model.TriggerTypeManual,
		MaxRetries:  model.DefaultMaxRetries,
	}
}

func TestDispatchMovesActionToExecutingAndSendsIntent(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	action := fx.actions.add(pendingEntry(10))

	if err := fx.dispatcher.Dispatch(ctx, action.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if fx.actions.actions[action.ID].Status != model.ActionStatusExecuting {
		t.Fatalf("expected EXECUTING, got %s", fx.actions.actions[action.ID].Status)
	}
	if len(fx.client.intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(fx.client.intents))
	}

	intent := fx.client.intents[0]
	if intent.ActionID != action.ID || intent.PositionID != 10 || intent.Operation != model.ActionTypeEntry {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if intent.MessageID == "" {
		t.Fatalf("intent must carry a message id")
	}
}

func TestDispatchRefusesSecondExecutingSibling(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	first := fx.actions.add(pendingEntry(10))
	second := fx.actions.add(pendingEntry(10))

	if err := fx.dispatcher.Dispatch(ctx, first.ID); err != nil {
		t.Fatalf("dispatch first: %v", err)
	}

	err := fx.dispatcher.Dispatch(ctx, second.ID)
	if err == nil {
		t.Fatalf("expected dispatch of sibling to be refused while one executes")
	}
	var deferred *model.DispatchDeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("expected *model.DispatchDeferredError, got %T: %v", err, err)
	}
	if deferred.ActionID != second.ID || deferred.PositionID != 10 {
		t.Fatalf("unexpected deferral details: %+v", deferred)
	}

	if fx.actions.actions[second.ID].Status != model.ActionStatusPending {
		t.Fatalf("refused action must stay PENDING")
	}
	if len(fx.client.intents) != 1 {
		t.Fatalf("refused dispatch must not push an intent")
	}
}

func TestDispatchEnforcesFIFOPerPosition(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.actions.add(pendingEntry(10)) // older sibling stays PENDING
	younger := fx.actions.add(pendingEntry(10))

	err := fx.dispatcher.Dispatch(ctx, younger.ID)
	if err == nil {
		t.Fatalf("expected younger sibling to be refused while older is queued")
	}
	var deferred *model.DispatchDeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("expected *model.DispatchDeferredError, got %T: %v", err, err)
	}
	if fx.actions.actions[younger.ID].Status != model.ActionStatusPending {
		t.Fatalf("refused action must stay PENDING")
	}
}

func TestDispatchWithoutClientLeavesPending(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	action := fx.actions.add(pendingEntry(10))

	// Disconnect the client.
	fx.dispatcher.registry = &fakeRegistry{clients: map[uint]*fakeClient{}}

	err := fx.dispatcher.Dispatch(ctx, action.ID)
	if err == nil {
		t.Fatalf("expected NoConnectedClientError")
	}
	var noClient *model.NoConnectedClientError
	if !errors.As(err, &noClient) {
		t.Fatalf("expected *model.NoConnectedClientError, got %T: %v", err, err)
	}
	if noClient.UserID != 42 {
		t.Fatalf("unexpected user id on error: %+v", noClient)
	}

	if fx.actions.actions[action.ID].Status != model.ActionStatusPending {
		t.Fatalf("action must stay PENDING with no client connected")
	}
}

func TestDispatchRejectsNonPendingAction(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	action := pendingEntry(10)
	action.Status = model.ActionStatusExecuted
	fx.actions.add(action)

	err := fx.dispatcher.Dispatch(ctx, action.ID)
	if err == nil {
		t.Fatalf("expected dispatch of EXECUTED action to fail")
	}
	var invalid *model.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *model.InvalidStateError, got %T", err)
	}
}

func TestReportOutcomeExecutedCloseClosesPosition(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	params, _ := model.EncodeCloseParams(model.CloseParams{CloseRatio: 1.0, Reason: "trail"})
	action := fx.actions.add(&model.Action{
		AccountID:   1,
		PositionID:  10,
		Type:        model.ActionTypeClose,
		Status:      model.ActionStatusPending,
		TriggerType: model.TriggerTypePosition,
		MaxRetries:  model.DefaultMaxRetries,
		Parameters:  params,
	})

	if err := fx.dispatcher.Dispatch(ctx, action.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	err := fx.dispatcher.ReportOutcome(ctx, OutcomeReport{
		ActionID:   action.ID,
		Status:     model.ActionStatusExecuted,
		Result:     model.ExecutionResult{BrokerTicket: "T9", Price: 150.10, Timestamp: "2026-03-02T10:30:00Z"},
		Outcome:    model.CloseOutcomeClosed,
		ExitReason: "trail",
	})
	if err != nil {
		t.Fatalf("report outcome: %v", err)
	}

	if fx.actions.actions[action.ID].Status != model.ActionStatusExecuted {
		t.Fatalf("expected EXECUTED, got %s", fx.actions.actions[action.ID].Status)
	}
	if fx.actions.closedOutcome != model.CloseOutcomeClosed || fx.actions.closedPrice != 150.10 {
		t.Fatalf("close finalization not invoked as expected: outcome=%s price=%v",
			fx.actions.closedOutcome, fx.actions.closedPrice)
	}
}

func TestReportOutcomeFailureClonesRetry(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	action := fx.actions.add(pendingEntry(10))
	if err := fx.dispatcher.Dispatch(ctx, action.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	err := fx.dispatcher.ReportOutcome(ctx, OutcomeReport{
		ActionID:     action.ID,
		Status:       model.ActionStatusFailed,
		Result:       model.ExecutionResult{ErrorCode: 134},
		ErrorMessage: "not enough money",
	})
	if err != nil {
		t.Fatalf("report outcome: %v", err)
	}

	failed := fx.actions.actions[action.ID]
	if failed.Status != model.ActionStatusFailed {
		t.Fatalf("original action must be FAILED, got %s", failed.Status)
	}

	// The clone exists, carries retryCount+1, and was dispatched immediately.
	var clone *model.Action
	for _, candidate := range fx.actions.actions {
		if candidate.ID != action.ID && candidate.PositionID == 10 {
			clone = candidate
		}
	}
	if clone == nil {
		t.Fatalf("expected a retry clone")
	}
	if clone.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", clone.RetryCount)
	}
	if clone.Status != model.ActionStatusExecuting {
		t.Fatalf("clone should have been dispatched immediately, got %s", clone.Status)
	}
	if len(fx.alerts.alerts) != 0 {
		t.Fatalf("no alert expected before retries are exhausted")
	}
}

func TestReportOutcomeRetryExhaustionAlerts(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	action := pendingEntry(10)
	action.RetryCount = model.DefaultMaxRetries - 1
	fx.actions.add(action)

	if err := fx.dispatcher.Dispatch(ctx, action.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	err := fx.dispatcher.ReportOutcome(ctx, OutcomeReport{
		ActionID:     action.ID,
		Status:       model.ActionStatusFailed,
		Result:       model.ExecutionResult{ErrorCode: 134},
		ErrorMessage: "not enough money",
	})
	if err != nil {
		t.Fatalf("report outcome: %v", err)
	}

	if got := len(fx.actions.actions); got != 1 {
		t.Fatalf("no clone expected at retry budget, have %d actions", got)
	}
	if fx.actions.actions[action.ID].Status != model.ActionStatusFailed {
		t.Fatalf("expected FAILED, got %s", fx.actions.actions[action.ID].Status)
	}

	if len(fx.alerts.alerts) != 1 {
		t.Fatalf("expected 1 retry-exhaustion alert, got %d", len(fx.alerts.alerts))
	}
	alert := fx.alerts.alerts[0]
	if alert.Kind != model.AlertKindRetryExhausted || alert.UserID != 42 {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if len(fx.notifier.notified) != 1 {
		t.Fatalf("alert must be pushed to the notifier")
	}
}

func TestReportOutcomeRejectsIllegalEdge(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	action := fx.actions.add(pendingEntry(10)) // still PENDING, not EXECUTING

	err := fx.dispatcher.ReportOutcome(ctx, OutcomeReport{
		ActionID: action.ID,
		Status:   model.ActionStatusExecuted,
	})
	if err == nil {
		t.Fatalf("expected report on PENDING action to fail")
	}
	var invalid *model.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *model.InvalidStateError, got %T", err)
	}
}

func TestOnClientConnectReplaysPendingInOrder(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	first := fx.actions.add(pendingEntry(10))
	second := fx.actions.add(pendingEntry(11))
	queued := fx.actions.add(pendingEntry(10)) // behind first on the same position

	fx.dispatcher.OnClientConnect(ctx, 42)

	if fx.actions.actions[first.ID].Status != model.ActionStatusExecuting {
		t.Fatalf("first action should dispatch on connect")
	}
	if fx.actions.actions[second.ID].Status != model.ActionStatusExecuting {
		t.Fatalf("action on a different position should dispatch on connect")
	}
	if fx.actions.actions[queued.ID].Status != model.ActionStatusPending {
		t.Fatalf("queued sibling must wait for the first to finish")
	}
	if len(fx.client.intents) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(fx.client.intents))
	}
}
