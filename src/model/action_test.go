package model

import "testing"

func TestCanTransitionAction(t *testing.T) {
	if !CanTransitionAction(ActionStatusPending, ActionStatusExecuting) {
		t.Fatalf("expected PENDING -> EXECUTING to be legal")
	}
	if !CanTransitionAction(ActionStatusExecuting, ActionStatusExecuted) {
		t.Fatalf("expected EXECUTING -> EXECUTED to be legal")
	}
	if !CanTransitionAction(ActionStatusExecuting, ActionStatusFailed) {
		t.Fatalf("expected EXECUTING -> FAILED to be legal")
	}

	illegal := []struct{ from, to string }{
		{ActionStatusPending, ActionStatusExecuted},
		{ActionStatusPending, ActionStatusFailed},
		{ActionStatusExecuted, ActionStatusExecuting},
		{ActionStatusExecuted, ActionStatusPending},
		{ActionStatusFailed, ActionStatusExecuting},
		{ActionStatusFailed, ActionStatusPending},
	}
	for _, edge := range illegal {
		if CanTransitionAction(edge.from, edge.to) {
			t.Fatalf("expected %s -> %s to be illegal", edge.from, edge.to)
		}
	}
}

func TestIsTerminalActionStatus(t *testing.T) {
	if !IsTerminalActionStatus(ActionStatusExecuted) || !IsTerminalActionStatus(ActionStatusFailed) {
		t.Fatalf("EXECUTED and FAILED must be terminal")
	}
	if IsTerminalActionStatus(ActionStatusPending) || IsTerminalActionStatus(ActionStatusExecuting) {
		t.Fatalf("PENDING and EXECUTING must not be terminal")
	}
}

func TestDecodeParamsRejectsWrongType(t *testing.T) {
	params, err := EncodeCloseParams(CloseParams{CloseRatio: 1.0, Reason: "trail"})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	entry := &Action{ID: 7, Type: ActionTypeEntry, Parameters: params}
	if _, err := DecodeCloseParams(entry); err == nil {
		t.Fatalf("expected error decoding close params from an ENTRY action")
	}

	closeAction := &Action{ID: 8, Type: ActionTypeClose, Parameters: params}
	decoded, err := DecodeCloseParams(closeAction)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.CloseRatio != 1.0 || decoded.Reason != "trail" {
		t.Fatalf("decoded params mismatch: %+v", decoded)
	}

	if _, err := DecodeEntryParams(closeAction); err == nil {
		t.Fatalf("expected error decoding entry params from a CLOSE action")
	}
}
