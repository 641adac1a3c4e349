package model

import (
	"errors"
	"fmt"
)

// Error taxonomy for the coordination core. All state-mutation failures are
// returned as one of these typed errors so callers can branch with errors.As
// instead of matching message strings.

// ValidationError rejects bad input synchronously; nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InvalidStateError rejects an illegal state-machine transition. The entity
// keeps its current status.
type InvalidStateError struct {
	Entity string
	ID     uint
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %d: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// NotFoundError signals a referenced entity is missing, likely a race with a
// delete. It is surfaced, never retried automatically.
type NotFoundError struct {
	Entity string
	ID     uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// NoConnectedClientError means execution cannot proceed right now: the
// account-bound execution client is offline. The action stays PENDING and is
// replayed on the client's next connect, not through a timer.
type NoConnectedClientError struct {
	UserID    uint
	AccountID uint
}

func (e *NoConnectedClientError) Error() string {
	return fmt.Sprintf("no connected execution client for user %d (account %d)", e.UserID, e.AccountID)
}

// DispatchDeferredError means an action was not pushed because a sibling of
// the same position is executing or queued ahead of it. The action stays
// PENDING; the sibling's outcome (or the reconnect replay) moves it along.
type DispatchDeferredError struct {
	ActionID   uint
	PositionID uint
	Reason     string
}

func (e *DispatchDeferredError) Error() string {
	return fmt.Sprintf("action %d deferred for position %d: %s", e.ActionID, e.PositionID, e.Reason)
}

// BrokerExecutionError is reported by the execution client and counted
// against Action.RetryCount.
type BrokerExecutionError struct {
	ActionID uint
	Code     int
	Message  string
}

func (e *BrokerExecutionError) Error() string {
	return fmt.Sprintf("broker execution failed for action %d (code %d): %s", e.ActionID, e.Code, e.Message)
}

// ErrStaleVersion is returned when an optimistic-concurrency update touched
// zero rows: a concurrent writer got there first. Callers reload and re-check
// the transition rather than retrying blindly.
var ErrStaleVersion = errors.New("stale version: entity was modified concurrently")
