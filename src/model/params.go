package model

import (
	"encoding/json"
	"fmt"
)

// EntryParams is the payload of an ENTRY action.
type EntryParams struct {
	Symbol    string  `json:"symbol"`
	Volume    float64 `json:"volume"`
	Direction string  `json:"direction"` // BUY | SELL
}

// CloseParams is the payload of a CLOSE action. CloseRatio is the fraction of
// the position volume to close, 1.0 for a full close. TargetPrice is optional
// and advisory; the execution client closes at market when it is zero.
type CloseParams struct {
	CloseRatio  float64 `json:"close_ratio"`
	TargetPrice float64 `json:"target_price,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// ExecutionResult is the payload reported back by an execution client on a
// terminal action outcome.
type ExecutionResult struct {
	BrokerTicket string  `json:"broker_ticket,omitempty"`
	Price        float64 `json:"price,omitempty"`
	Timestamp    string  `json:"timestamp,omitempty"`
	ErrorCode    int     `json:"error_code,omitempty"`
}

// EncodeEntryParams serializes p for storage on an ENTRY action.
func EncodeEntryParams(p EntryParams) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode entry params: %w", err)
	}
	return string(b), nil
}

// EncodeCloseParams serializes p for storage on a CLOSE action.
func EncodeCloseParams(p CloseParams) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode close params: %w", err)
	}
	return string(b), nil
}

// DecodeEntryParams parses the parameters of a, which must be an ENTRY action.
func DecodeEntryParams(a *Action) (EntryParams, error) {
	var p EntryParams
	if a.Type != ActionTypeEntry {
		return p, fmt.Errorf("action %d is %s, not %s", a.ID, a.Type, ActionTypeEntry)
	}
	if err := json.Unmarshal([]byte(a.Parameters), &p); err != nil {
		return p, fmt.Errorf("decode entry params for action %d: %w", a.ID, err)
	}
	return p, nil
}

// DecodeCloseParams parses the parameters of a, which must be a CLOSE action.
func DecodeCloseParams(a *Action) (CloseParams, error) {
	var p CloseParams
	if a.Type != ActionTypeClose {
		return p, fmt.Errorf("action %d is %s, not %s", a.ID, a.Type, ActionTypeClose)
	}
	if err := json.Unmarshal([]byte(a.Parameters), &p); err != nil {
		return p, fmt.Errorf("decode close params for action %d: %w", a.ID, err)
	}
	return p, nil
}

// EncodeResult serializes an execution result for storage on an action.
func EncodeResult(r ExecutionResult) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode execution result: %w", err)
	}
	return string(b), nil
}
